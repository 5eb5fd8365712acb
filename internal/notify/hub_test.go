package notify

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DeliversCompletions(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	assetA := protocol.AssetID{0x0a}
	assetB := protocol.AssetID{0x0b}

	all := dial(t, srv, "")
	onlyB := dial(t, srv, "?asset="+assetB.Hex())
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	first := protocol.Completion{CorrelationID: "r1", Asset: assetA, Op: protocol.OpWithdraw, Status: protocol.StatusCompleted}
	second := protocol.Completion{CorrelationID: "r2", Asset: assetB, Op: protocol.OpDeposit, Status: protocol.StatusCompleted, Applied: true}
	hub.Publish(first)
	hub.Publish(second)

	var got protocol.Completion
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, first, got)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, second, got)

	onlyB.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, onlyB.ReadJSON(&got))
	assert.Equal(t, second, got, "asset filter skips other ledgers")
}

func TestHub_RejectsBadFilter(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?asset=0x12"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHub_UnsubscribeOnDisconnect(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_DropsWhenFull(t *testing.T) {
	ch := NewChannel(1)
	ch.Publish(protocol.Completion{CorrelationID: "a"})
	ch.Publish(protocol.Completion{CorrelationID: "b"})

	assert.Equal(t, 1, ch.Dropped())
	assert.Equal(t, "a", (<-ch.C()).CorrelationID)
}

func TestMulti(t *testing.T) {
	var seen []string
	m := Multi{Nop{}, Func(func(c protocol.Completion) { seen = append(seen, c.CorrelationID) })}
	m.Publish(protocol.Completion{CorrelationID: "x"})
	assert.Equal(t, []string{"x"}, seen)
}
