package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Config tunes a Supervisor
type Config struct {
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	MaxAttempts            int     // consecutive failed attempts before Failed
	RateLimitBackoffFactor float64 // delay multiplier after ErrRateLimited
	MaxStreamsPerSocket    int     // 0 uses the adapter ceiling
	CommandsPerSecond      float64
	HeartbeatTimeout       time.Duration
	HandshakeTimeout       time.Duration
	WriteTimeout           time.Duration
}

// DefaultConfig returns the default supervisor settings
func DefaultConfig() Config {
	return Config{
		InitialDelay:           100 * time.Millisecond,
		MaxDelay:               5 * time.Second,
		MaxAttempts:            20,
		RateLimitBackoffFactor: 4,
		CommandsPerSecond:      10,
		HeartbeatTimeout:       60 * time.Second,
		HandshakeTimeout:       10 * time.Second,
		WriteTimeout:           defaultWriteTimeout,
	}
}

// Stats is a snapshot of the supervisor
type Stats struct {
	Exchange      string           `json:"exchange"`
	State         string           `json:"state"`
	Sockets       int              `json:"sockets"`
	Subscriptions int              `json:"subscriptions"`
	Messages      int64            `json:"messages"`
	Malformed     int64            `json:"malformed"`
	Reconnects    int64            `json:"reconnects"`
	Commands      int64            `json:"commands"`
	LastMessage   time.Time        `json:"last_message"`
	LastError     string           `json:"last_error,omitempty"`
	RateLimiter   RateLimiterStats `json:"rate_limiter"`
}

// Supervisor keeps one logical exchange connection alive. It multiplexes the
// subscription set over as many physical sockets as the stream ceiling
// requires and replays the whole set after every reconnect.
type Supervisor struct {
	adapter    FeedAdapter
	handler    EventHandler
	cfg        Config
	maxStreams int
	limiter    *RateLimiter
	logger     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cmdMu serializes socket topology changes and outbound commands
	cmdMu   sync.Mutex
	sockets []*socket
	lost    chan error // failures of the current epoch

	// mu guards the fields below
	mu            sync.Mutex
	subs          *SubscriptionSet
	state         models.ConnectionState
	stateChanged  chan struct{}
	running       bool
	closed        bool
	lastErr       error
	onStateChange func(models.ConnectionState, error)

	nextSocketID int
	commandID    atomic.Int64
	messages     atomic.Int64
	malformed    atomic.Int64
	reconnects   atomic.Int64
	commands     atomic.Int64
	socketCount  atomic.Int32
	lastMessage  atomic.Int64 // unix nano
}

// NewSupervisor creates an offline supervisor for adapter. handler receives
// every decoded event on the socket read goroutines.
func NewSupervisor(adapter FeedAdapter, handler EventHandler, cfg Config, logger *logrus.Logger) *Supervisor {
	defaults := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RateLimitBackoffFactor < 1 {
		cfg.RateLimitBackoffFactor = defaults.RateLimitBackoffFactor
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}

	maxStreams := adapter.MaxStreamsPerConnection()
	if cfg.MaxStreamsPerSocket > 0 && (maxStreams <= 0 || cfg.MaxStreamsPerSocket < maxStreams) {
		maxStreams = cfg.MaxStreamsPerSocket
	}
	if maxStreams <= 0 {
		maxStreams = 200
	}

	if handler == nil {
		handler = func(models.FeedEvent) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		adapter:      adapter,
		handler:      handler,
		cfg:          cfg,
		maxStreams:   maxStreams,
		limiter:      NewRateLimiter(adapter.Name(), cfg.CommandsPerSecond, 1),
		logger:       logger.WithField("exchange", adapter.Name()),
		ctx:          ctx,
		cancel:       cancel,
		subs:         NewSubscriptionSet(),
		state:        models.StateOffline,
		stateChanged: make(chan struct{}),
	}
}

// OnStateChange registers a callback fired on every state transition
func (s *Supervisor) OnStateChange(fn func(state models.ConnectionState, err error)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

// Connect starts supervising the connection and waits until it is ready,
// failed or ctx is done. Calling it while supervision runs only waits.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	start := !s.running
	if start {
		s.running = true
		s.lastErr = nil
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		// leave Failed before waiting, a previous run may have ended there
		s.setState(models.StateConnecting, nil)
		go s.run()
	}
	return s.waitReady(ctx)
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed, err := s.state, s.stateChanged, s.lastErr
		running := s.running
		s.mu.Unlock()

		switch {
		case state == models.StateReady:
			return nil
		case state == models.StateFailed:
			return err
		case !running:
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is the single supervision goroutine, reconnects are serialized here
func (s *Supervisor) run() {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialDelay
	b.MaxInterval = s.cfg.MaxDelay
	b.Multiplier = 2

	attempts := 0
	for {
		err := s.establish()
		if err == nil {
			attempts = 0
			b.Reset()
			err = s.waitFailure()
			if s.ctx.Err() == nil {
				// leave Ready before the sockets go away
				s.setState(models.StateReconnecting, err)
			}
		}

		s.teardown()

		if s.ctx.Err() != nil {
			s.stop(models.StateOffline, nil)
			return
		}

		metrics.ExchangeErrors.WithLabelValues(s.adapter.Name(), errorType(err)).Inc()

		if errors.Is(err, ErrAuthentication) {
			s.logger.WithError(err).Error("Authentication rejected, giving up")
			s.stop(models.StateFailed, err)
			return
		}

		attempts++
		if attempts >= s.cfg.MaxAttempts {
			err = fmt.Errorf("%w: %d consecutive attempts, last error: %v", ErrFailed, attempts, err)
			s.logger.WithError(err).Error("Reconnect attempts exhausted")
			s.stop(models.StateFailed, err)
			return
		}

		delay := b.NextBackOff()
		if errors.Is(err, ErrRateLimited) {
			s.limiter.RecordRateLimitHit()
			delay = time.Duration(float64(delay) * s.cfg.RateLimitBackoffFactor)
		}

		s.setState(models.StateReconnecting, err)
		s.reconnects.Add(1)
		metrics.Reconnects.WithLabelValues(s.adapter.Name()).Inc()
		s.logger.WithError(err).Warnf("Connection lost, reconnecting in %v (attempt %d/%d)", delay, attempts, s.cfg.MaxAttempts)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.stop(models.StateOffline, nil)
			return
		case <-timer.C:
		}
	}
}

// establish dials, authenticates and replays every subscription
func (s *Supervisor) establish() error {
	s.setState(models.StateConnecting, nil)

	lost := make(chan error, 1)
	first, err := s.openSocket()
	if err != nil {
		return err
	}

	if _, ok := s.adapter.(Authenticator); ok {
		s.setState(models.StateAuthenticating, nil)
	}
	if err := s.authenticate(first); err != nil {
		return err
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.lost = lost
	s.sockets = []*socket{first}
	s.startSocket(first)

	s.setState(models.StateSubscribing, nil)

	s.mu.Lock()
	streams := s.subs.Streams(s.adapter)
	s.mu.Unlock()

	if err := s.sendSubscribe(s.ctx, streams); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.setState(models.StateReady, nil)
	s.logger.Infof("✅ %s ready (%d streams on %d sockets)", s.adapter.Name(), len(streams), len(s.sockets))
	return nil
}

// authenticate runs the adapter handshake on a socket that is not started
// yet. The socket is closed when the venue rejects it.
func (s *Supervisor) authenticate(sock *socket) error {
	auth, ok := s.adapter.(Authenticator)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := auth.Authenticate(ctx, func(msg []byte) error { return sock.write(msg) }, sock.read); err != nil {
		sock.close()
		return fmt.Errorf("authenticate socket %d: %w", sock.id, err)
	}
	return nil
}

// openAuthenticatedSocket dials a socket for an additional stream batch
func (s *Supervisor) openAuthenticatedSocket() (*socket, error) {
	sock, err := s.openSocket()
	if err != nil {
		return nil, err
	}
	if err := s.authenticate(sock); err != nil {
		return nil, err
	}
	return sock, nil
}

// openSocket dials a new physical socket
func (s *Supervisor) openSocket() (*socket, error) {
	s.mu.Lock()
	s.nextSocketID++
	id := s.nextSocketID
	s.mu.Unlock()

	return dialSocket(s.ctx, id, s.adapter.Endpoint(), s.cfg, s.logger)
}

// startSocket runs the socket loops. Caller holds cmdMu.
func (s *Supervisor) startSocket(sock *socket) {
	lost := s.lost
	sock.start(s.handleMessage, func(err error) {
		select {
		case lost <- err:
		default:
		}
	})
	s.socketCount.Store(int32(len(s.sockets)))
	metrics.ExchangeConnections.WithLabelValues(s.adapter.Name()).Set(float64(len(s.sockets)))
}

// waitFailure blocks until a socket of the current epoch dies or the supervisor closes
func (s *Supervisor) waitFailure() error {
	s.cmdMu.Lock()
	lost := s.lost
	s.cmdMu.Unlock()

	select {
	case err := <-lost:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// teardown closes every socket of the current epoch
func (s *Supervisor) teardown() {
	s.cmdMu.Lock()
	sockets := s.sockets
	s.sockets = nil
	s.lost = nil
	s.cmdMu.Unlock()

	for _, sock := range sockets {
		sock.close()
	}
	s.socketCount.Store(0)
	metrics.ExchangeConnections.WithLabelValues(s.adapter.Name()).Set(0)
}

func (s *Supervisor) handleMessage(data []byte) {
	s.messages.Add(1)
	s.lastMessage.Store(time.Now().UnixNano())
	metrics.ExchangeMessages.WithLabelValues(s.adapter.Name()).Inc()

	events, err := s.adapter.Decode(data)
	if err != nil {
		s.malformed.Add(1)
		metrics.MalformedMessages.WithLabelValues(s.adapter.Name()).Inc()
		s.logger.WithError(err).Debugf("Dropping malformed message (%d bytes)", len(data))
		return
	}

	for _, ev := range events {
		if ev.Kind == models.EventAck {
			s.limiter.RecordSuccess()
			continue
		}
		s.handler(ev)
	}
}

// sendSubscribe places streams on sockets with room left, dialing new
// sockets when all are full. Caller holds cmdMu.
func (s *Supervisor) sendSubscribe(ctx context.Context, streams []string) error {
	if s.lost == nil {
		return errNoEpoch
	}
	pending := streams
	for len(pending) > 0 {
		sock := s.socketWithRoom()
		if sock == nil {
			var err error
			sock, err = s.openAuthenticatedSocket()
			if err != nil {
				return err
			}
			s.sockets = append(s.sockets, sock)
			s.startSocket(sock)
			s.logger.Infof("Opened socket %d (%d sockets)", sock.id, len(s.sockets))
		}

		room := s.maxStreams - len(sock.streams)
		if room > len(pending) {
			room = len(pending)
		}
		batch := pending[:room]
		pending = pending[room:]

		if err := s.command(ctx, sock, "subscribe", s.adapter.SubscribeCommand, batch); err != nil {
			return err
		}
		for _, st := range batch {
			sock.streams[st] = struct{}{}
		}
	}
	return nil
}

// sendUnsubscribe removes streams from the sockets carrying them. Caller holds cmdMu.
func (s *Supervisor) sendUnsubscribe(ctx context.Context, streams []string) error {
	for _, sock := range s.sockets {
		var batch []string
		for _, st := range streams {
			if _, ok := sock.streams[st]; ok {
				batch = append(batch, st)
			}
		}
		if len(batch) == 0 {
			continue
		}
		if err := s.command(ctx, sock, "unsubscribe", s.adapter.UnsubscribeCommand, batch); err != nil {
			return err
		}
		for _, st := range batch {
			delete(sock.streams, st)
		}
	}
	return nil
}

func (s *Supervisor) socketWithRoom() *socket {
	for _, sock := range s.sockets {
		if len(sock.streams) < s.maxStreams {
			return sock
		}
	}
	return nil
}

// command encodes and sends one paced command
func (s *Supervisor) command(ctx context.Context, sock *socket, op string, encode func(int64, []string) ([]byte, error), streams []string) error {
	msg, err := encode(s.commandID.Add(1), streams)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := sock.write(msg); err != nil {
		return err
	}

	s.commands.Add(1)
	metrics.SubscriptionCommands.WithLabelValues(s.adapter.Name(), op).Inc()
	s.logger.Debugf("Sent %s for %d streams on socket %d", op, len(streams), sock.id)
	return nil
}

// Subscribe adds markets on channel. When ready the command is sent right
// away, otherwise it is replayed on the next connection.
func (s *Supervisor) Subscribe(ctx context.Context, channel models.Channel, markets ...models.MarketID) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	added := s.subs.Add(channel, markets...)
	ready := s.state == models.StateReady
	s.mu.Unlock()

	s.updateSubscriptionGauge(channel)
	if len(added) == 0 || !ready {
		return nil
	}

	if err := s.sendSubscribe(ctx, s.streamKeys(channel, added)); err != nil {
		return s.commandFailed(err)
	}
	return nil
}

// Unsubscribe removes markets from channel, sending the command only when ready
func (s *Supervisor) Unsubscribe(ctx context.Context, channel models.Channel, markets ...models.MarketID) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	removed := s.subs.Remove(channel, markets...)
	ready := s.state == models.StateReady
	s.mu.Unlock()

	s.updateSubscriptionGauge(channel)
	if len(removed) == 0 || !ready {
		return nil
	}

	if err := s.sendUnsubscribe(ctx, s.streamKeys(channel, removed)); err != nil {
		return s.commandFailed(err)
	}
	return nil
}

// Replace swaps old for new on channel. When ready, the unsubscribe and the
// subscribe leave back to back on the same socket, so there is never a
// moment with both or neither subscribed.
func (s *Supervisor) Replace(ctx context.Context, channel models.Channel, old, new models.MarketID) error {
	if old == new {
		return nil
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.subs.Remove(channel, old)
	s.subs.Add(channel, new)
	ready := s.state == models.StateReady
	s.mu.Unlock()

	if !ready {
		return nil
	}

	oldKey := s.adapter.StreamKey(channel, old)
	newKey := s.adapter.StreamKey(channel, new)

	var carrier *socket
	for _, sock := range s.sockets {
		if _, ok := sock.streams[oldKey]; ok {
			carrier = sock
			break
		}
	}
	if carrier == nil {
		if err := s.sendSubscribe(ctx, []string{newKey}); err != nil {
			return s.commandFailed(err)
		}
		return nil
	}

	unsub, err := s.adapter.UnsubscribeCommand(s.commandID.Add(1), []string{oldKey})
	if err != nil {
		return fmt.Errorf("encode unsubscribe: %w", err)
	}
	sub, err := s.adapter.SubscribeCommand(s.commandID.Add(1), []string{newKey})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := carrier.write(unsub, sub); err != nil {
		return s.commandFailed(err)
	}

	delete(carrier.streams, oldKey)
	carrier.streams[newKey] = struct{}{}
	s.commands.Add(2)
	metrics.SubscriptionCommands.WithLabelValues(s.adapter.Name(), "replace").Inc()
	s.logger.Debugf("Replaced %s stream on socket %d", channel, carrier.id)
	return nil
}

// commandFailed handles a write failure while ready: the set already holds
// the change, so the connection is recycled and the replay covers it.
func (s *Supervisor) commandFailed(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.WithError(err).Warn("Command failed, forcing reconnect")
	if s.lost != nil {
		select {
		case s.lost <- err:
		default:
		}
	}
	return nil
}

func (s *Supervisor) streamKeys(channel models.Channel, markets []models.MarketID) []string {
	keys := make([]string, 0, len(markets))
	for _, m := range markets {
		keys = append(keys, s.adapter.StreamKey(channel, m))
	}
	return keys
}

func (s *Supervisor) updateSubscriptionGauge(channel models.Channel) {
	s.mu.Lock()
	n := len(s.subs.Markets(channel))
	s.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(s.adapter.Name(), string(channel)).Set(float64(n))
}

// setState records a transition and notifies waiters. The callback runs on
// the caller goroutine, possibly with cmdMu held, so it must not call back
// into Subscribe, Unsubscribe or Replace.
func (s *Supervisor) setState(state models.ConnectionState, err error) {
	s.mu.Lock()
	if err != nil {
		s.lastErr = err
	}
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
	cb := s.onStateChange
	s.mu.Unlock()

	metrics.ConnectionState.WithLabelValues(s.adapter.Name()).Set(float64(state))
	if cb != nil {
		cb(state, err)
	}
}

// stop ends the supervision loop in a terminal state
func (s *Supervisor) stop(state models.ConnectionState, err error) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.setState(state, err)
}

// Close stops supervision, closes every socket and waits for all goroutines
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.teardown()
	s.setState(models.StateOffline, nil)
	s.logger.Info("Connection supervisor stopped")
}

// State returns the current connection state
func (s *Supervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a socket is up
func (s *Supervisor) Connected() bool {
	switch s.State() {
	case models.StateAuthenticating, models.StateSubscribing, models.StateReady:
		return true
	default:
		return false
	}
}

// Ready reports whether every subscription is live
func (s *Supervisor) Ready() bool {
	return s.State() == models.StateReady
}

// Err returns the last connection error
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscriptions returns a copy of the subscription set
func (s *Supervisor) Subscriptions() *SubscriptionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.Clone()
}

// Exchange returns the adapter name
func (s *Supervisor) Exchange() string {
	return s.adapter.Name()
}

// Stats returns a snapshot of the connection
func (s *Supervisor) Stats() Stats {
	var last time.Time
	if ns := s.lastMessage.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	sockets := int(s.socketCount.Load())

	s.mu.Lock()
	st := Stats{
		Exchange:      s.adapter.Name(),
		State:         s.state.String(),
		Sockets:       sockets,
		Subscriptions: s.subs.Len(),
		LastMessage:   last,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Messages = s.messages.Load()
	st.Malformed = s.malformed.Load()
	st.Reconnects = s.reconnects.Load()
	st.Commands = s.commands.Load()
	st.RateLimiter = s.limiter.Stats()
	return st
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	default:
		return "transient"
	}
}
