//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl включает SO_REUSEADDR, чтобы проверка связности и медиа
// могли по очереди занимать один и тот же порт
func reuseControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
