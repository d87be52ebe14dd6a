package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/lastclick/go/internal/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *Broadcaster) {
	t.Helper()
	b := NewBroadcaster(clockwork.NewFakeClock(), &counterState{}, time.Second)
	mux := http.NewServeMux()
	NewWebSocketHandler(b, DefaultConnectionConfig()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, b
}

func TestWebSocketReceivesSnapshots(t *testing.T) {
	srv, b := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first models.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(1), first.Remaining)

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)
	b.Tick(context.Background())

	var second models.Snapshot
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, int64(2), second.Remaining)

	conn.Close()
	require.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketSnapshotShape(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"remaining", "endsAt", "payoutRemaining", "payoutValue", "nistReady", "visitsToday"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "null", string(fields["visitsToday"]))
}

func TestEventStreamReceivesSnapshots(t *testing.T) {
	srv, b := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readSnapshot := func() models.Snapshot {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var s models.Snapshot
				require.NoError(t, json.Unmarshal([]byte(data), &s))
				return s
			}
		}
	}

	assert.Equal(t, int64(1), readSnapshot().Remaining)

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)
	b.Tick(context.Background())
	assert.Equal(t, int64(2), readSnapshot().Remaining)

	cancel()
	require.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionStats(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 0, stats["total_subscribers"])
}
