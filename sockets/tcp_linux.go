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
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func tcpSocket(proto, addr string, passive bool, sockOpts ...Option) (int, net.Addr, error) {
	netAddr, err := net.ResolveTCPAddr(proto, addr)
	if err != nil {
		return -1, nil, errors.Wrapf(err, "resolve %s address %q", proto, addr)
	}

	family := unix.AF_INET
	ipv6 := netAddr.IP.To4() == nil && netAddr.IP != nil
	if proto == string(Tcp6) || ipv6 {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socket")
	}

	for _, op := range sockOpts {
		if err = op.SetSockOpt(fd, op.Opt); err != nil {
			unix.Close(fd)
			return -1, nil, err
		}
	}

	sa, err := tcpSockaddr(family, netAddr)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrap(err, "bind")
	}
	if passive {
		if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
			unix.Close(fd)
			return -1, nil, errors.Wrap(err, "listen")
		}
	}

	boundSa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrap(err, "getsockname")
	}
	return fd, SockaddrToTCPAddr(boundSa), nil
}

func tcpSockaddr(family int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip := addr.IP.To4(); ip != nil {
			copy(sa.Addr[:], ip)
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: addr.Port}
		if ip := addr.IP.To16(); ip != nil {
			copy(sa.Addr[:], ip)
		}
		return sa, nil
	}
	return nil, errors.Errorf("unsupported address family %d", family)
}

// Accept takes one pending connection off the listen socket. The new
// socket is non-blocking and close-on-exec. When nothing is pending it
// returns -1 with unix.EAGAIN.
func Accept(listenFd int) (int, net.Addr, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return fd, SockaddrToTCPAddr(sa), nil
}

// SockaddrToTCPAddr converts a kernel sockaddr into a *net.TCPAddr.
func SockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		var zone string
		if v.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port, Zone: zone}
	}
	return nil
}

// LocalAddr returns the socket's bound address.
func LocalAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

// PeerAddr returns the socket's connected peer address.
func PeerAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}
