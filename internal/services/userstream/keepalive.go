package userstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// ListenKeyClient manages private stream sessions on the venue
type ListenKeyClient interface {
	CreateListenKey(ctx context.Context) (models.ListenKey, error)
	RefreshListenKey(ctx context.Context, key string) (models.ListenKey, error)
	CloseListenKey(ctx context.Context, key string) error
}

// Subscriber is the part of the connection supervisor the keepalive drives
type Subscriber interface {
	Subscribe(ctx context.Context, channel models.Channel, markets ...models.MarketID) error
	Replace(ctx context.Context, channel models.Channel, old, new models.MarketID) error
}

// Config tunes a KeepAlive
type Config struct {
	Interval          time.Duration // refresh period, shorter than the key validity
	MaxAttempts       int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// KeepAlive keeps the private stream listen key valid and swaps the
// subscription whenever the key changes
type KeepAlive struct {
	exchange string
	client   ListenKeyClient
	sub      Subscriber
	cfg      Config
	logger   *logrus.Logger

	mu       sync.Mutex
	key      models.ListenKey
	running  bool
	starting bool

	rotate chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped keepalive
func New(exchange string, client ListenKeyClient, sub Subscriber, cfg Config, logger *logrus.Logger) *KeepAlive {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Minute
	}
	return &KeepAlive{
		exchange: exchange,
		client:   client,
		sub:      sub,
		cfg:      cfg,
		logger:   logger,
		rotate:   make(chan struct{}, 1),
	}
}

// Start creates a listen key, subscribes the private channel and starts the refresh loop
func (k *KeepAlive) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running || k.starting {
		k.mu.Unlock()
		return fmt.Errorf("user stream keepalive already running")
	}
	k.starting = true
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.starting = false
		k.mu.Unlock()
	}()

	key, err := k.create(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	if err := k.sub.Subscribe(ctx, models.ChannelUser, models.MarketID(key.Key)); err != nil {
		k.closeKey(key.Key)
		return fmt.Errorf("subscribe user stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	k.mu.Lock()
	k.key = key
	k.running = true
	k.cancel = cancel
	k.mu.Unlock()

	k.wg.Add(1)
	go k.loop(loopCtx)

	k.logger.WithField("exchange", k.exchange).Infof("🔑 User stream started, refreshing every %v", k.cfg.Interval)
	return nil
}

func (k *KeepAlive) loop(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.refresh(ctx)
		case <-k.rotate:
			k.logger.WithField("exchange", k.exchange).Warn("Listen key expired, rotating")
			k.rotateKey(ctx)
		}
	}
}

// refresh extends the current key, rotating to a fresh one when that fails
func (k *KeepAlive) refresh(ctx context.Context) {
	current := k.Key()

	if current.Expired(time.Now()) {
		k.rotateKey(ctx)
		return
	}

	refreshed, err := retry(ctx, k, func() (models.ListenKey, error) {
		return k.client.RefreshListenKey(ctx, current.Key)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ListenKeyEvents.WithLabelValues(k.exchange, "refresh_failed").Inc()
		k.logger.WithError(err).WithField("exchange", k.exchange).Warn("Listen key refresh failed, creating a new one")
		k.rotateKey(ctx)
		return
	}

	metrics.ListenKeyEvents.WithLabelValues(k.exchange, "refreshed").Inc()
	if refreshed.Key != current.Key {
		// the current key stays in use, the next tick tries again
		_ = k.swap(ctx, current, refreshed)
		return
	}

	k.mu.Lock()
	k.key.ExpiresAt = refreshed.ExpiresAt
	k.mu.Unlock()
}

// rotateKey replaces the current key with a newly created one
func (k *KeepAlive) rotateKey(ctx context.Context) {
	current := k.Key()

	fresh, err := k.create(ctx)
	if err != nil {
		if ctx.Err() == nil {
			k.logger.WithError(err).WithField("exchange", k.exchange).Error("Failed to create a new listen key")
		}
		return
	}
	if err := k.swap(ctx, current, fresh); err != nil {
		k.closeKey(fresh.Key)
		return
	}
	k.closeKey(current.Key)
}

// swap moves the private subscription from old to fresh, then adopts fresh.
// On error the subscription and the current key are unchanged.
func (k *KeepAlive) swap(ctx context.Context, old, fresh models.ListenKey) error {
	if err := k.sub.Replace(ctx, models.ChannelUser, models.MarketID(old.Key), models.MarketID(fresh.Key)); err != nil {
		metrics.ListenKeyEvents.WithLabelValues(k.exchange, "swap_failed").Inc()
		k.logger.WithError(err).WithField("exchange", k.exchange).Error("Failed to swap user stream subscription")
		return fmt.Errorf("swap user stream: %w", err)
	}

	k.mu.Lock()
	k.key = fresh
	k.mu.Unlock()

	metrics.ListenKeyEvents.WithLabelValues(k.exchange, "rotated").Inc()
	k.logger.WithField("exchange", k.exchange).Info("🔑 Listen key rotated")
	return nil
}

func (k *KeepAlive) create(ctx context.Context) (models.ListenKey, error) {
	key, err := retry(ctx, k, func() (models.ListenKey, error) {
		return k.client.CreateListenKey(ctx)
	})
	if err == nil {
		metrics.ListenKeyEvents.WithLabelValues(k.exchange, "created").Inc()
	}
	return key, err
}

func (k *KeepAlive) closeKey(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.client.CloseListenKey(ctx, key); err != nil {
		k.logger.WithError(err).WithField("exchange", k.exchange).Debug("Failed to close listen key")
		return
	}
	metrics.ListenKeyEvents.WithLabelValues(k.exchange, "closed").Inc()
}

// Expire asks the loop to rotate the key, used when the venue announces its expiry
func (k *KeepAlive) Expire() {
	select {
	case k.rotate <- struct{}{}:
	default:
	}
}

// Key returns the current listen key
func (k *KeepAlive) Key() models.ListenKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.key
}

// Stop ends the refresh loop, waits for it and closes the key
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	cancel := k.cancel
	k.mu.Unlock()

	cancel()
	k.wg.Wait()

	k.closeKey(k.Key().Key)
	k.logger.WithField("exchange", k.exchange).Info("User stream stopped")
}

func retry[T any](ctx context.Context, k *KeepAlive, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.cfg.InitialRetryDelay
	b.MaxInterval = k.cfg.MaxRetryDelay

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(k.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			k.logger.WithError(err).WithField("exchange", k.exchange).Debugf("Listen key call failed, retrying in %v", d)
		}),
	)
}
