//go:build linux

package iodriver

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// htons converts a host-order port number into the big-endian bytes the
// kernel's sockaddr Port field stores, regardless of the host's own
// endianness.
func htons(port int) uint16 {
	b := [2]byte{byte(port >> 8), byte(port)}
	return *(*uint16)(unsafe.Pointer(&b[0]))
}

// sockaddrBytes marshals a unix.Sockaddr into the raw byte layout the
// kernel expects in a submission queue entry. golang.org/x/sys/unix keeps
// the equivalent conversion private, so operations that hand a sockaddr
// directly to io_uring (Connect) need their own copy.
func sockaddrBytes(sa unix.Sockaddr) []byte {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		var raw unix.RawSockaddrInet4
		raw.Family = unix.AF_INET
		raw.Port = htons(a.Port)
		raw.Addr = a.Addr
		buf := make([]byte, unix.SizeofSockaddrInet4)
		copy(buf, (*[unix.SizeofSockaddrInet4]byte)(unsafe.Pointer(&raw))[:])
		return buf
	case *unix.SockaddrInet6:
		var raw unix.RawSockaddrInet6
		raw.Family = unix.AF_INET6
		raw.Port = htons(a.Port)
		raw.Scope_id = a.ZoneId
		raw.Addr = a.Addr
		buf := make([]byte, unix.SizeofSockaddrInet6)
		copy(buf, (*[unix.SizeofSockaddrInet6]byte)(unsafe.Pointer(&raw))[:])
		return buf
	case *unix.SockaddrUnix:
		var raw unix.RawSockaddrUnix
		raw.Family = unix.AF_UNIX
		n := copy((*[108]byte)(unsafe.Pointer(&raw.Path))[:], a.Name)
		size := 2 + n + 1
		if size > unix.SizeofSockaddrUnix {
			size = unix.SizeofSockaddrUnix
		}
		buf := make([]byte, size)
		copy(buf, (*[unix.SizeofSockaddrUnix]byte)(unsafe.Pointer(&raw))[:size])
		return buf
	default:
		return nil
	}
}
