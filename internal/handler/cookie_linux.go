package handler

import (
	"net"

	"golang.org/x/sys/unix"
)

// socketCookie reads SO_COOKIE without duplicating the file descriptor, so
// the connection stays in non-blocking mode.
func socketCookie(tcpconn *net.TCPConn) (uint64, error) {
	raw, err := tcpconn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		cookie uint64
		serr   error
	)
	err = raw.Control(func(fd uintptr) {
		cookie, serr = unix.GetsockoptUint64(int(fd), unix.SOL_SOCKET, unix.SO_COOKIE)
	})
	if err != nil {
		return 0, err
	}
	return cookie, serr
}
