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

// Package sockets provides raw file descriptors for TCP sockets with
// the requested socket options applied, plus small helpers over the
// descriptor: keep-alive, no-delay, half-close and SO_ERROR retrieval.
package sockets

import (
	"net"
	"strings"
	"time"
)

type NetAddressType string

const (
	Tcp  NetAddressType = "tcp"
	Tcp4 NetAddressType = "tcp4"
	Tcp6 NetAddressType = "tcp6"
)

// Option is used for setting an option on socket.
type Option struct {
	SetSockOpt func(int, int) error
	Opt        int
}

// TCPSocket returns a non-blocking TCP socket fd with the given options
// applied. With passive set the socket is bound and listening on addr.
func TCPSocket(proto, addr string, passive bool, sockOpts ...Option) (int, net.Addr, error) {
	return tcpSocket(proto, addr, passive, sockOpts...)
}

// TCPSocketOpt is the type of TCP socket options.
type TCPSocketOpt int

// Available TCP socket options.
const (
	TCPNoDelay TCPSocketOpt = iota
	TCPDelay
)

// SocketOptions are configurations for sockets creation.
type SocketOptions struct {
	// ReuseAddr indicates whether to set up the SO_REUSEADDR socket option.
	ReuseAddr bool

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option.
	ReusePort bool

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	//
	// The default is true (no delay), meaning that data is sent
	// as soon as possible after a write operation.
	TCPNoDelay TCPSocketOpt

	// SocketRecvBuffer sets the maximum socket receive buffer in bytes.
	SocketRecvBuffer int

	// SocketSendBuffer sets the maximum socket send buffer in bytes.
	SocketSendBuffer int
}

// SetOptions translates SocketOptions into the option list TCPSocket
// consumes.
func SetOptions(network string, options SocketOptions) []Option {
	var sockOpts []Option
	if options.ReusePort {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetReuseport, Opt: 1})
	}
	if options.ReuseAddr {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetReuseAddr, Opt: 1})
	}
	if options.TCPNoDelay == TCPNoDelay && strings.HasPrefix(network, "tcp") {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetNoDelay, Opt: 1})
	}
	if options.TCPKeepAlive > 0 {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetKeepAlivePeriod, Opt: int(options.TCPKeepAlive / time.Second)})
	}
	if options.SocketRecvBuffer > 0 {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetRecvBuffer, Opt: options.SocketRecvBuffer})
	}
	if options.SocketSendBuffer > 0 {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetSendBuffer, Opt: options.SocketSendBuffer})
	}
	return sockOpts
}
