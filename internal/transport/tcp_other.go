//go:build !linux

package transport

import (
	"net"
	"syscall"
)

func setTCPOptions(_, _ string, _ syscall.RawConn) error {
	return nil
}

// TuneServerConn enables keep-alive probes on an accepted connection
func TuneServerConn(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlive)
	}
}
