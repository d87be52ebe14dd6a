package daytime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveOnce(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte(reply))
		conn.Close()
	}()
	return ln.Addr().String()
}

func TestParse(t *testing.T) {
	got, err := Parse([]byte("\n60215 23-11-14 22:13:20 00 0 0 123.4 UTC(NIST) * \n"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), got)
}

func TestParse_Malformed(t *testing.T) {
	for _, reply := range []string{
		"",
		"garbage",
		"23-13-14 22:13:20",
		"23-02-30 10:00:00",
		"23-11-14 25:00:00",
	} {
		_, err := Parse([]byte(reply))
		assert.ErrorIs(t, err, ErrMalformed, reply)
	}
}

func TestClient_Now(t *testing.T) {
	addr := serveOnce(t, "60215 24-02-29 00:00:01 00 0 0  50.0 UTC(NIST) *\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := NewClient("local", addr).Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 1, 0, time.UTC), got)
}

func TestClient_NowMalformedReply(t *testing.T) {
	addr := serveOnce(t, "service unavailable\n")

	_, err := NewClient("local", addr).Now(context.Background())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClient_NowDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewClient("closed", addr).Now(context.Background())
	assert.Error(t, err)
}
