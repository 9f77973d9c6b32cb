package handler

import "net"

// tcpNoDelayListener disables Nagle's algorithm on every accepted
// connection so SSE frames reach clients without coalescing delay.
type tcpNoDelayListener struct {
	net.Listener
}

// WrapNoDelay returns a listener whose accepted TCP connections have
// TCP_NODELAY set. Non-TCP connections pass through untouched.
func WrapNoDelay(ln net.Listener) net.Listener {
	return &tcpNoDelayListener{Listener: ln}
}

func (l *tcpNoDelayListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
