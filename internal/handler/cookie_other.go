//go:build !linux

package handler

import (
	"errors"
	"net"
)

var errNoCookie = errors.New("socket cookies are only available on linux")

func socketCookie(*net.TCPConn) (uint64, error) {
	return 0, errNoCookie
}
