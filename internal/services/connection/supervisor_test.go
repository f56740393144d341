package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAdapter speaks a tiny JSON protocol understood by feedServer
type testAdapter struct {
	url        string
	maxStreams int
}

type testCommand struct {
	Op      string   `json:"op"`
	ID      int64    `json:"id"`
	Streams []string `json:"streams,omitempty"`
	Token   string   `json:"token,omitempty"`
}

type testMessage struct {
	Type   string `json:"type"`
	ID     int64  `json:"id,omitempty"`
	Market string `json:"market,omitempty"`
	Price  string `json:"price,omitempty"`
	Qty    string `json:"qty,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

func (a *testAdapter) Name() string     { return "test" }
func (a *testAdapter) Endpoint() string { return a.url }

func (a *testAdapter) StreamKey(ch models.Channel, m models.MarketID) string {
	return string(ch) + ":" + string(m)
}

func (a *testAdapter) SubscribeCommand(id int64, streams []string) ([]byte, error) {
	return json.Marshal(testCommand{Op: "sub", ID: id, Streams: streams})
}

func (a *testAdapter) UnsubscribeCommand(id int64, streams []string) ([]byte, error) {
	return json.Marshal(testCommand{Op: "unsub", ID: id, Streams: streams})
}

func (a *testAdapter) Decode(msg []byte) ([]models.FeedEvent, error) {
	var m testMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, err
	}
	switch m.Type {
	case "ack":
		return []models.FeedEvent{{Kind: models.EventAck, AckID: m.ID}}, nil
	case "trade":
		price, err := decimal.NewFromString(m.Price)
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(m.Qty)
		if err != nil {
			return nil, err
		}
		return []models.FeedEvent{{Kind: models.EventTrade, Trade: &models.TradeEvent{
			Market:    models.MarketID(m.Market),
			Timestamp: time.UnixMilli(m.TS).UTC(),
			Price:     price,
			Volume:    qty,
		}}}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

func (a *testAdapter) MaxStreamsPerConnection() int { return a.maxStreams }

// authAdapter adds a login step
type authAdapter struct {
	testAdapter
	token  string
	logins atomic.Int64
}

func (a *authAdapter) Authenticate(ctx context.Context, send func([]byte) error, recv func() ([]byte, error)) error {
	a.logins.Add(1)
	msg, _ := json.Marshal(testCommand{Op: "auth", Token: a.token})
	if err := send(msg); err != nil {
		return err
	}
	reply, err := recv()
	if err != nil {
		return err
	}
	if string(reply) != "ok" {
		return fmt.Errorf("%w: %s", ErrAuthentication, reply)
	}
	return nil
}

// serverConn tracks what one accepted socket subscribed to
type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	streams map[string]bool
	ops     []testCommand
	alive   bool
	authed  bool

	// stalled stops answering pings
	stalled atomic.Bool
}

func (c *serverConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	switch m := v.(type) {
	case []byte:
		return c.conn.WriteMessage(websocket.TextMessage, m)
	default:
		return c.conn.WriteJSON(v)
	}
}

type feedServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*serverConn

	attempts     atomic.Int64
	rejectStatus atomic.Int64
	rejectCount  atomic.Int64 // remaining rejections, -1 forever
	validToken   string
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *feedServer) URL() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *feedServer) reject(status, times int) {
	fs.rejectStatus.Store(int64(status))
	fs.rejectCount.Store(int64(times))
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.attempts.Add(1)

	if status := fs.rejectStatus.Load(); status != 0 {
		remaining := fs.rejectCount.Load()
		if remaining != 0 {
			fs.rejectCount.Add(-1)
			w.WriteHeader(int(status))
			return
		}
	}

	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sc := &serverConn{conn: conn, streams: map[string]bool{}, alive: true}
	conn.SetPingHandler(func(data string) error {
		if sc.stalled.Load() {
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	fs.mu.Lock()
	fs.conns = append(fs.conns, sc)
	fs.mu.Unlock()

	defer func() {
		fs.mu.Lock()
		sc.alive = false
		fs.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd testCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		if cmd.Op == "auth" {
			reply := "ok"
			if cmd.Token != fs.validToken {
				reply = "denied"
			}
			fs.mu.Lock()
			sc.authed = reply == "ok"
			fs.mu.Unlock()
			_ = sc.send([]byte(reply))
			continue
		}

		fs.mu.Lock()
		sc.ops = append(sc.ops, cmd)
		// a venue requiring a login silently ignores anonymous subscriptions
		ignored := fs.validToken != "" && !sc.authed
		for _, st := range cmd.Streams {
			if ignored {
				break
			}
			if cmd.Op == "sub" {
				sc.streams[st] = true
			} else {
				delete(sc.streams, st)
			}
		}
		fs.mu.Unlock()

		_ = sc.send(testMessage{Type: "ack", ID: cmd.ID})
	}
}

// liveStreams returns the streams of every live connection, one slice per connection
func (fs *feedServer) liveStreams() [][]string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out [][]string
	for _, c := range fs.conns {
		if !c.alive {
			continue
		}
		var streams []string
		for st := range c.streams {
			streams = append(streams, st)
		}
		sort.Strings(streams)
		out = append(out, streams)
	}
	return out
}

func (fs *feedServer) allLiveStreams() []string {
	var all []string
	for _, s := range fs.liveStreams() {
		all = append(all, s...)
	}
	sort.Strings(all)
	return all
}

func (fs *feedServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		if c.alive {
			c.conn.Close()
		}
	}
}

// stallAll keeps the live connections open but stops answering their pings
func (fs *feedServer) stallAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		if c.alive {
			c.stalled.Store(true)
		}
	}
}

func (fs *feedServer) broadcast(v interface{}) {
	fs.mu.Lock()
	conns := append([]*serverConn(nil), fs.conns...)
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.send(v)
	}
}

func (fs *feedServer) lastConn() *serverConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	cfg.MaxAttempts = 5
	cfg.CommandsPerSecond = 1000
	cfg.HeartbeatTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func connectCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSupervisor_ConnectAndSubscribe(t *testing.T) {
	fs := newFeedServer(t)

	var received atomic.Int64
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, func(ev models.FeedEvent) {
		if ev.Kind == models.EventTrade {
			received.Add(1)
		}
	}, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A", "m:B"))
	assert.Equal(t, models.StateOffline, sup.State())

	require.NoError(t, sup.Connect(ctx))
	assert.True(t, sup.Ready())
	assert.True(t, sup.Connected())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"trade:m:A", "trade:m:B"}, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Subscribe(ctx, models.ChannelQuote, "m:A"))
	require.Eventually(t, func() bool {
		return len(fs.allLiveStreams()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	fs.broadcast(testMessage{Type: "trade", Market: "m:A", Price: "1.5", Qty: "2", TS: 1000})
	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	stats := sup.Stats()
	assert.Equal(t, "ready", stats.State)
	assert.Equal(t, 1, stats.Sockets)
	assert.Equal(t, 3, stats.Subscriptions)
	assert.Equal(t, int64(1), fs.attempts.Load())
}

func TestSupervisor_ConnectIsIdempotent(t *testing.T) {
	fs := newFeedServer(t)
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sup.Connect(ctx))
		}()
	}
	wg.Wait()
	require.NoError(t, sup.Connect(ctx))

	assert.Equal(t, int64(1), fs.attempts.Load())
}

func TestSupervisor_ResubscribesAfterDisconnect(t *testing.T) {
	fs := newFeedServer(t)

	var states []models.ConnectionState
	var statesMu sync.Mutex

	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())
	sup.OnStateChange(func(state models.ConnectionState, err error) {
		statesMu.Lock()
		states = append(states, state)
		statesMu.Unlock()
	})
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A", "m:B", "m:C"))
	require.NoError(t, sup.Subscribe(ctx, models.ChannelQuote, "m:B"))
	require.NoError(t, sup.Connect(ctx))

	before := sup.Subscriptions()
	expected := before.Streams(&testAdapter{})
	sort.Strings(expected)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)

	fs.dropAll()

	require.Eventually(t, func() bool {
		return fs.attempts.Load() >= 2 && sup.Ready() &&
			assert.ObjectsAreEqual(expected, fs.allLiveStreams())
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, before.Equal(sup.Subscriptions()))
	assert.GreaterOrEqual(t, sup.Stats().Reconnects, int64(1))

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Contains(t, states, models.StateReconnecting)
	assert.Equal(t, models.StateReady, states[len(states)-1])
}

func TestSupervisor_OpensSocketWhenFull(t *testing.T) {
	fs := newFeedServer(t)
	cfg := testConfig()
	cfg.MaxStreamsPerSocket = 2

	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 1024}, nil, cfg, testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Connect(ctx))
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:1", "m:2", "m:3", "m:4", "m:5"))

	require.Eventually(t, func() bool {
		return len(fs.allLiveStreams()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	perConn := fs.liveStreams()
	assert.Len(t, perConn, 3)
	for _, streams := range perConn {
		assert.LessOrEqual(t, len(streams), 2)
	}
	assert.Equal(t, 3, sup.Stats().Sockets)

	// a reconnect spreads the replay the same way
	fs.dropAll()
	require.Eventually(t, func() bool {
		return sup.Ready() && len(fs.liveStreams()) == 3 && len(fs.allLiveStreams()) == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSupervisor_AuthenticationFailureIsFatal(t *testing.T) {
	fs := newFeedServer(t)
	fs.validToken = "secret"

	sup := NewSupervisor(&authAdapter{testAdapter: testAdapter{url: fs.URL(), maxStreams: 10}, token: "wrong"}, nil, testConfig(), testLogger())
	defer sup.Close()

	err := sup.Connect(connectCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, models.StateFailed, sup.State())
	assert.ErrorIs(t, sup.Err(), ErrAuthentication)
	assert.False(t, sup.Connected())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), fs.attempts.Load())
}

func TestSupervisor_AuthenticationSuccess(t *testing.T) {
	fs := newFeedServer(t)
	fs.validToken = "secret"

	sup := NewSupervisor(&authAdapter{testAdapter: testAdapter{url: fs.URL(), maxStreams: 10}, token: "secret"}, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelUser, "key"))
	require.NoError(t, sup.Connect(ctx))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"user:key"}, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_AuthenticatesEverySocket(t *testing.T) {
	fs := newFeedServer(t)
	fs.validToken = "secret"

	adapter := &authAdapter{testAdapter: testAdapter{url: fs.URL(), maxStreams: 1}, token: "secret"}
	sup := NewSupervisor(adapter, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelUser, "A", "B", "C"))
	require.NoError(t, sup.Connect(ctx))

	expected := []string{"user:A", "user:B", "user:C"}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, fs.liveStreams(), 3)
	assert.Equal(t, int64(3), adapter.logins.Load())

	// sockets opened while ready log in too
	require.NoError(t, sup.Subscribe(ctx, models.ChannelUser, "D"))
	require.Eventually(t, func() bool {
		return len(fs.allLiveStreams()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(4), adapter.logins.Load())

	fs.dropAll()
	require.Eventually(t, func() bool {
		return sup.Ready() && len(fs.liveStreams()) == 4 && len(fs.allLiveStreams()) == 4
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, adapter.logins.Load(), int64(8))
}

func TestSupervisor_ReconnectsOnMissedHeartbeat(t *testing.T) {
	fs := newFeedServer(t)
	cfg := testConfig()
	cfg.HeartbeatTimeout = 150 * time.Millisecond

	var states []models.ConnectionState
	var statesMu sync.Mutex

	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, cfg, testLogger())
	sup.OnStateChange(func(state models.ConnectionState, err error) {
		statesMu.Lock()
		states = append(states, state)
		statesMu.Unlock()
	})
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A", "m:B"))
	require.NoError(t, sup.Connect(ctx))

	expected := []string{"trade:m:A", "trade:m:B"}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)

	// pings are answered, the socket outlives several heartbeats
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int64(1), fs.attempts.Load())
	assert.True(t, sup.Ready())

	fs.stallAll()

	require.Eventually(t, func() bool {
		return fs.attempts.Load() >= 2 && sup.Ready() &&
			assert.ObjectsAreEqual(expected, fs.allLiveStreams())
	}, 3*time.Second, 10*time.Millisecond)

	last := fs.lastConn()
	require.NotNil(t, last)
	assert.False(t, last.stalled.Load())
	assert.GreaterOrEqual(t, sup.Stats().Reconnects, int64(1))

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Contains(t, states, models.StateReconnecting)
	assert.Equal(t, models.StateReady, states[len(states)-1])
}

func TestSupervisor_HandshakeUnauthorizedIsFatal(t *testing.T) {
	fs := newFeedServer(t)
	fs.reject(http.StatusUnauthorized, -1)

	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())
	defer sup.Close()

	err := sup.Connect(connectCtx(t))
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, int64(1), fs.attempts.Load())
}

func TestSupervisor_GivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFeedServer(t)
	fs.reject(http.StatusServiceUnavailable, -1)

	cfg := testConfig()
	cfg.MaxAttempts = 3
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, cfg, testLogger())
	defer sup.Close()

	err := sup.Connect(connectCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, models.StateFailed, sup.State())
	assert.Equal(t, int64(3), fs.attempts.Load())

	// Connect after Failed starts a fresh supervision loop
	fs.reject(0, 0)
	require.NoError(t, sup.Connect(connectCtx(t)))
	assert.True(t, sup.Ready())
}

func TestSupervisor_RateLimitedKeepsSubscriptions(t *testing.T) {
	fs := newFeedServer(t)
	fs.reject(http.StatusTooManyRequests, 2)

	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A"))
	require.NoError(t, sup.Connect(ctx))

	assert.Equal(t, int64(3), fs.attempts.Load())
	assert.Equal(t, int64(2), sup.Stats().RateLimiter.RateLimitHits)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"trade:m:A"}, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_DropsMalformedMessages(t *testing.T) {
	fs := newFeedServer(t)

	trades := make(chan models.TradeEvent, 4)
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, func(ev models.FeedEvent) {
		if ev.Kind == models.EventTrade {
			trades <- *ev.Trade
		}
	}, testConfig(), testLogger())
	defer sup.Close()

	require.NoError(t, sup.Connect(connectCtx(t)))

	fs.broadcast([]byte("{not json"))
	fs.broadcast(testMessage{Type: "trade", Market: "m:A", Price: "abc", Qty: "1"})
	fs.broadcast(testMessage{Type: "trade", Market: "m:A", Price: "10", Qty: "1", TS: 60000})

	select {
	case tr := <-trades:
		assert.Equal(t, models.MarketID("m:A"), tr.Market)
		assert.True(t, tr.Price.Equal(decimal.NewFromInt(10)))
	case <-time.After(2 * time.Second):
		t.Fatal("trade not delivered")
	}

	assert.True(t, sup.Ready())
	assert.Equal(t, int64(2), sup.Stats().Malformed)
	assert.Equal(t, int64(1), fs.attempts.Load())
}

func TestSupervisor_ReplaceIsBackToBack(t *testing.T) {
	fs := newFeedServer(t)
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelUser, "key1"))
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A"))
	require.NoError(t, sup.Connect(ctx))

	require.NoError(t, sup.Replace(ctx, models.ChannelUser, "key1", "key2"))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"trade:m:A", "user:key2"}, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)

	conn := fs.lastConn()
	fs.mu.Lock()
	ops := append([]testCommand(nil), conn.ops...)
	fs.mu.Unlock()
	require.GreaterOrEqual(t, len(ops), 2)
	last2 := ops[len(ops)-2:]
	assert.Equal(t, "unsub", last2[0].Op)
	assert.Equal(t, []string{"user:key1"}, last2[0].Streams)
	assert.Equal(t, "sub", last2[1].Op)
	assert.Equal(t, []string{"user:key2"}, last2[1].Streams)
	assert.Equal(t, last2[0].ID+1, last2[1].ID)

	subs := sup.Subscriptions()
	assert.Equal(t, []models.MarketID{"key2"}, subs.Markets(models.ChannelUser))
}

func TestSupervisor_OfflineChangesOnlyTouchTheSet(t *testing.T) {
	sup := NewSupervisor(&testAdapter{url: "ws://127.0.0.1:1", maxStreams: 10}, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := context.Background()
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A", "m:B"))
	require.NoError(t, sup.Unsubscribe(ctx, models.ChannelTrade, "m:A"))
	require.NoError(t, sup.Replace(ctx, models.ChannelUser, "", "key"))

	subs := sup.Subscriptions()
	assert.Equal(t, []models.MarketID{"m:B"}, subs.Markets(models.ChannelTrade))
	assert.Equal(t, []models.MarketID{"key"}, subs.Markets(models.ChannelUser))
	assert.Zero(t, sup.Stats().Commands)
}

func TestSupervisor_UnsubscribeWhenReady(t *testing.T) {
	fs := newFeedServer(t)
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())
	defer sup.Close()

	ctx := connectCtx(t)
	require.NoError(t, sup.Subscribe(ctx, models.ChannelTrade, "m:A", "m:B"))
	require.NoError(t, sup.Connect(ctx))
	require.NoError(t, sup.Unsubscribe(ctx, models.ChannelTrade, "m:A", "m:unknown"))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"trade:m:B"}, fs.allLiveStreams())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_Close(t *testing.T) {
	fs := newFeedServer(t)
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, testConfig(), testLogger())

	require.NoError(t, sup.Connect(connectCtx(t)))
	sup.Close()
	sup.Close()

	assert.Equal(t, models.StateOffline, sup.State())
	assert.Equal(t, 0, sup.Stats().Sockets)
	assert.True(t, errors.Is(sup.Connect(context.Background()), ErrClosed))
	assert.ErrorIs(t, sup.Subscribe(context.Background(), models.ChannelTrade, "m:A"), ErrClosed)

	require.Eventually(t, func() bool { return len(fs.liveStreams()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_ConnectHonorsContext(t *testing.T) {
	fs := newFeedServer(t)
	fs.reject(http.StatusServiceUnavailable, -1)

	cfg := testConfig()
	cfg.MaxAttempts = 1000
	sup := NewSupervisor(&testAdapter{url: fs.URL(), maxStreams: 10}, nil, cfg, testLogger())
	defer sup.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Connect(ctx), context.DeadlineExceeded)
	assert.False(t, sup.Ready())
}
