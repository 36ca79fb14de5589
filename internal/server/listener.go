package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen opens a TCP listener on port with SO_REUSEPORT set, so that every
// worker can bind its own listening socket on the same port and let the
// kernel fan out incoming connections across them — spec.md §5's "platform's
// SO_REUSEPORT-style fan-out", the Go-net equivalent of the boost::asio
// acceptor.set_option(... SO_REUSEPORT ...) in original_source/src/main.cc.
func listen(port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
}
