package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingenieroredes/netvault/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (s *recordingSink) Publish(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestMulti_Publish(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	multi := NewMulti(m, testLogger())

	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("connection refused")}
	multi.Add("bad", bad)
	multi.Add("good", good)

	e := New(TypeFindingAlerting, "dc01", time.Now(), map[string]string{"rule_id": "R-stale-accounts"})
	err := multi.Publish(context.Background(), e)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: connection refused")
	require.Len(t, good.events, 1)
	assert.Equal(t, e.ID, good.events[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("bad")))
	assert.Equal(t, []string{"bad", "good"}, multi.Sinks())

	require.NoError(t, multi.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "netvault.run.completed", subject("netvault", TypeRunCompleted))
	assert.Equal(t, "run.completed", subject("", TypeRunCompleted))
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	all := dialHub(t, srv, "/")
	onlyDC := dialHub(t, srv, "/?target_id=dc01&type="+TypeFindingAlerting)

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, New(TypeTargetDegraded, "sw-01", time.Now(), nil)))
	require.NoError(t, hub.Publish(ctx, New(TypeFindingAlerting, "dc01", time.Now(), nil)))

	var got Event
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, TypeTargetDegraded, got.Type)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, TypeFindingAlerting, got.Type)

	require.NoError(t, onlyDC.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, onlyDC.ReadJSON(&got))
	assert.Equal(t, TypeFindingAlerting, got.Type)
	assert.Equal(t, "dc01", got.TargetID)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "/")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.Publish(context.Background(), New(TypeRunCompleted, "", time.Now(), nil)))
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("test.netvault.>")
	require.NoError(t, err)

	publisher, err := NewNATSPublisher(nats.DefaultURL, "test.netvault", testLogger())
	require.NoError(t, err)
	defer publisher.Close()

	e := New(TypeAgentStale, "dc01", time.Now(), map[string]string{"agent_id": "a1"})
	require.NoError(t, publisher.Publish(context.Background(), e))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test.netvault.agent.stale", msg.Subject)
	assert.Equal(t, e.ID, msg.Header.Get("x-event-id"))
	assert.Equal(t, "dc01", msg.Header.Get("x-target-id"))
}

func TestNATSPublisher_NotReady(t *testing.T) {
	p := NewNATSPublisherConn(nil, "netvault", testLogger())
	assert.False(t, p.IsReady())
	assert.Error(t, p.Publish(context.Background(), New(TypeRunCompleted, "", time.Now(), nil)))
	assert.NoError(t, p.Close())
}

func TestRedisPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	publisher, err := NewRedisPublisher(ctx, RedisConfig{Address: "localhost:6379", Prefix: "test-netvault"}, testLogger())
	if err != nil {
		t.Skip("Redis server not available, skipping test")
	}
	defer publisher.Close()

	sub := publisher.Subscribe(ctx)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	e := New(TypeTargetRecovered, "sw-01", time.Now(), nil)
	require.NoError(t, publisher.Publish(ctx, e))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-netvault:target.recovered", msg.Channel)
	assert.Contains(t, msg.Payload, e.ID)
}
