// Copyright (c) 2023 The tcpweir Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package sockets

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetReuseAddr enables SO_REUSEADDR on fd.
func SetReuseAddr(fd, v int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v), "setsockopt SO_REUSEADDR")
}

// SetReuseport enables SO_REUSEPORT on fd.
func SetReuseport(fd, v int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, v), "setsockopt SO_REUSEPORT")
}

// SetNoDelay toggles TCP_NODELAY on fd.
func SetNoDelay(fd, v int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v), "setsockopt TCP_NODELAY")
}

// SetKeepAlive toggles SO_KEEPALIVE on fd.
func SetKeepAlive(fd, v int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v), "setsockopt SO_KEEPALIVE")
}

// SetKeepAlivePeriod enables keep-alive and sets both the idle time and
// the probe interval to secs.
func SetKeepAlivePeriod(fd, secs int) error {
	if err := SetKeepAlive(fd, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
		return errors.Wrap(err, "setsockopt TCP_KEEPIDLE")
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs), "setsockopt TCP_KEEPINTVL")
}

// SetRecvBuffer sets SO_RCVBUF on fd.
func SetRecvBuffer(fd, size int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size), "setsockopt SO_RCVBUF")
}

// SetSendBuffer sets SO_SNDBUF on fd.
func SetSendBuffer(fd, size int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size), "setsockopt SO_SNDBUF")
}

// CloseWrite shuts down the write half of the socket, leaving reads
// open so the peer's remaining data and FIN still arrive.
func CloseWrite(fd int) error {
	return errors.Wrap(unix.Shutdown(fd, unix.SHUT_WR), "shutdown SHUT_WR")
}

// GetSocketError fetches and clears SO_ERROR. A zero return means no
// pending error.
func GetSocketError(fd int) int {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return int(errno)
		}
		return int(unix.EINVAL)
	}
	return v
}
