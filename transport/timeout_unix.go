//go:build linux || darwin

package transport

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setKernelReadTimeout sets SO_RCVTIMEO directly on the socket's file
// descriptor, mirroring the teacher's platform-specific syscall layer
// (socket_linux.go / socket_unix.go) rather than relying solely on
// net.Conn's deadline API. It is an optional belt-and-suspenders path: if
// the connection doesn't expose a raw fd (e.g. it's a net.Pipe in tests),
// it's a no-op.
func setKernelReadTimeout(conn net.Conn, timeout time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		sockErr = unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
