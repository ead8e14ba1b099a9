package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_SubscriptionFiltersMarketplaces(t *testing.T) {
	hub := NewHub(16, nil)
	srv := startHub(t, hub)
	conn := dial(t, srv)

	assert.Equal(t, TypeConnectionEstablished, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "marketplace": "Trendyol"}))
	sub := readEvent(t, conn)
	assert.Equal(t, TypeSubscribed, sub.Type)
	assert.Equal(t, "trendyol", sub.Marketplace)

	hub.Publish("amazon", "sync_update", map[string]int{"operations": 1})
	hub.Publish("trendyol", "sync_update", map[string]int{"operations": 2})
	hub.Publish("trendyol", "new_orders", map[string]int{"count": 3})

	first := readEvent(t, conn)
	assert.Equal(t, "sync_update", first.Type)
	assert.Equal(t, "trendyol", first.Marketplace)
	second := readEvent(t, conn)
	assert.Equal(t, "new_orders", second.Type)
}

func TestHub_PingPongAndErrors(t *testing.T) {
	hub := NewHub(16, nil)
	srv := startHub(t, hub)
	conn := dial(t, srv)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, TypeError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, TypeError, readEvent(t, conn).Type)
}

func TestHub_UnsubscribedClientGetsEverything(t *testing.T) {
	hub := NewHub(16, nil)
	srv := startHub(t, hub)
	conn := dial(t, srv)
	readEvent(t, conn)

	hub.Publish("ozon", "sync_update", nil)
	hub.Publish("ebay", "sync_update", nil)
	assert.Equal(t, "ozon", readEvent(t, conn).Marketplace)
	assert.Equal(t, "ebay", readEvent(t, conn).Marketplace)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// a client whose writer never drains
	c := &Client{hub: hub, send: make(chan []byte, 1), ID: "stuck", subscriptions: map[string]bool{}}
	hub.register <- c
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("n11", "sync_update", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full client")
	}
	stats := hub.Stats()
	assert.Equal(t, int64(10), stats["published"])
	// the connection_established message took the only slot
	assert.Equal(t, int64(10), stats["dropped"])
}

func TestHub_MetricsBroadcast(t *testing.T) {
	hub := NewHub(16, nil)
	hub.SetMetricsSource(20*time.Millisecond, func() interface{} {
		return map[string]int{"active_sessions": 2}
	})
	srv := startHub(t, hub)
	conn := dial(t, srv)
	readEvent(t, conn)

	ev := readEvent(t, conn)
	assert.Equal(t, TypeSyncMetrics, ev.Type)
	assert.Empty(t, ev.Marketplace)
}
