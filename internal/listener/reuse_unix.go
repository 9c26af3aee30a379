//go:build unix

package listener

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseAddrControl(enabled bool) func(network, address string, c syscall.RawConn) error {
	v := 0
	if enabled {
		v = 1
	}
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
