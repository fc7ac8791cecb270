package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangscript007/cxxframework-go/httpsession"
)

// TestRuntimeServesHTTP exercises the whole wiring end to end: a real
// TCP dial, a full HTTP/1.1 request/response round trip through the
// Session FSM, and a clean shutdown on context cancellation.
func TestRuntimeServesHTTP(t *testing.T) {
	router := httpsession.NewRouter()
	router.Handle("/hello", func(req *httpsession.Request, resp *httpsession.Response) error {
		resp.SetBody([]byte("hello"))
		return nil
	})

	rt, err := New(
		WithListenAddr([4]byte{127, 0, 0, 1}, 0),
		WithHTTPMapping(router.Routes()...),
		WithShortTaskThreads(1),
		WithBlockingThreads(1),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var addr [4]byte
	var port uint16
	require.Eventually(t, func() bool {
		addr, port, err = rt.ListenAddr()
		return err == nil && port != 0
	}, 2*time.Second, 10*time.Millisecond)

	dialAddr := (&net.TCPAddr{IP: net.IPv4(addr[0], addr[1], addr[2], addr[3]), Port: int(port)}).String()
	conn, err := net.Dial("tcp", dialAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /hello HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200 OK")
	assert.Contains(t, string(buf[:n]), "hello")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not shut down after context cancellation")
	}
}

// TestRuntimeDefaultPort confirms the spec.md §6 default listen port
// when WithListenAddr is never called.
func TestRuntimeDefaultPort(t *testing.T) {
	cfg := resolveConfig(nil)
	assert.Equal(t, uint16(8081), cfg.listenPort)
}

// TestRuntimeAdmissionControlEngagesAndRecovers exercises spec.md §4.7
// scenario S4 through the real wired Runtime: with WithMaxSessions(1),
// a second concurrent connection finds the listener disarmed, and
// closing the first session frees the slot for a subsequent connection.
func TestRuntimeAdmissionControlEngagesAndRecovers(t *testing.T) {
	router := httpsession.NewRouter()
	router.Handle("/hello", func(req *httpsession.Request, resp *httpsession.Response) error {
		resp.SetBody([]byte("hello"))
		return nil
	})

	rt, err := New(
		WithListenAddr([4]byte{127, 0, 0, 1}, 0),
		WithHTTPMapping(router.Routes()...),
		WithShortTaskThreads(1),
		WithBlockingThreads(1),
		WithMaxSessions(1),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var addr [4]byte
	var port uint16
	require.Eventually(t, func() bool {
		addr, port, err = rt.ListenAddr()
		return err == nil && port != 0
	}, 2*time.Second, 10*time.Millisecond)
	dialAddr := (&net.TCPAddr{IP: net.IPv4(addr[0], addr[1], addr[2], addr[3]), Port: int(port)}).String()

	first, err := net.Dial("tcp", dialAddr)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		return rt.liveSessions.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// While at capacity, a second dial completes the TCP handshake (the
	// kernel backlog accepts independently of our userspace accept()),
	// but the listener is disarmed, so no session is ever created for
	// it and it gets no HTTP response.
	blocked, err := net.Dial("tcp", dialAddr)
	require.NoError(t, err)
	_, err = blocked.Write([]byte("GET /hello HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	blocked.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = blocked.Read(make([]byte, 64))
	assert.Error(t, err, "expected a read timeout while admission control is engaged")
	blocked.Close()

	first.Close()

	require.Eventually(t, func() bool {
		return rt.liveSessions.Load() == 0
	}, 2*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", dialAddr)
	require.NoError(t, err)
	defer second.Close()

	_, err = second.Write([]byte("GET /hello HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := second.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200 OK")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not shut down after context cancellation")
	}
}
