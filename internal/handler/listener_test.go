package handler

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapNoDelay_AcceptsTCPConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wrapped := WrapNoDelay(ln)
	defer wrapped.Close() //nolint:errcheck

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := wrapped.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	select {
	case conn := <-accepted:
		defer conn.Close() //nolint:errcheck
		_, ok := conn.(*net.TCPConn)
		require.True(t, ok)
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	}

	require.Equal(t, ln.Addr().String(), wrapped.Addr().String())
}
