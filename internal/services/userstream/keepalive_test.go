package userstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu          sync.Mutex
	created     int
	refreshes   int
	closed      []string
	createErr   error
	createDelay time.Duration
	refreshFunc func(key string, n int) (models.ListenKey, error)
}

func (c *fakeClient) CreateListenKey(ctx context.Context) (models.ListenKey, error) {
	time.Sleep(c.createDelay)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return models.ListenKey{}, c.createErr
	}
	c.created++
	return models.ListenKey{Key: fmt.Sprintf("key%d", c.created), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (c *fakeClient) RefreshListenKey(ctx context.Context, key string) (models.ListenKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.refreshFunc != nil {
		return c.refreshFunc(key, c.refreshes)
	}
	return models.ListenKey{Key: key, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (c *fakeClient) CloseListenKey(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, key)
	return nil
}

func (c *fakeClient) Closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

func (c *fakeClient) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

type replaceCall struct{ old, new models.MarketID }

type fakeSubscriber struct {
	mu         sync.Mutex
	subscribed []models.MarketID
	replaced   []replaceCall
	replaceErr error
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, channel models.Channel, markets ...models.MarketID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel != models.ChannelUser {
		return errors.New("unexpected channel")
	}
	s.subscribed = append(s.subscribed, markets...)
	return nil
}

func (s *fakeSubscriber) Replace(ctx context.Context, channel models.Channel, old, new models.MarketID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, replaceCall{old, new})
	return s.replaceErr
}

func (s *fakeSubscriber) Replaced() []replaceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replaceCall(nil), s.replaced...)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(interval time.Duration) Config {
	return Config{Interval: interval, MaxAttempts: 2, InitialRetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
}

func TestStartSubscribesAndStopCloses(t *testing.T) {
	client := &fakeClient{}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(time.Hour), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	assert.Error(t, k.Start(context.Background()))
	assert.Equal(t, "key1", k.Key().Key)
	assert.Equal(t, []models.MarketID{"key1"}, sub.subscribed)

	k.Stop()
	k.Stop()
	assert.Equal(t, []string{"key1"}, client.Closed())
}

func TestStartFailsWithoutKey(t *testing.T) {
	client := &fakeClient{createErr: backoff.Permanent(errors.New("invalid api key"))}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(time.Hour), newTestLogger())

	assert.Error(t, k.Start(context.Background()))
	assert.Empty(t, sub.subscribed)
	k.Stop()
}

func TestRefreshKeepsSameKey(t *testing.T) {
	client := &fakeClient{}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(10*time.Millisecond), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	defer k.Stop()

	require.Eventually(t, func() bool { return client.Refreshes() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.Replaced())
	assert.Equal(t, "key1", k.Key().Key)
}

func TestRefreshReturningNewKeySwapsSubscription(t *testing.T) {
	client := &fakeClient{refreshFunc: func(key string, n int) (models.ListenKey, error) {
		return models.ListenKey{Key: "renewed", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(10*time.Millisecond), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	defer k.Stop()

	require.Eventually(t, func() bool { return k.Key().Key == "renewed" }, time.Second, 5*time.Millisecond)
	replaced := sub.Replaced()
	require.NotEmpty(t, replaced)
	assert.Equal(t, replaceCall{"key1", "renewed"}, replaced[0])
}

func TestRefreshFailureRotatesKey(t *testing.T) {
	client := &fakeClient{refreshFunc: func(key string, n int) (models.ListenKey, error) {
		if key == "key1" {
			return models.ListenKey{}, errors.New("listen key does not exist")
		}
		return models.ListenKey{Key: key, ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(10*time.Millisecond), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	defer k.Stop()

	require.Eventually(t, func() bool { return k.Key().Key == "key2" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []replaceCall{{"key1", "key2"}}, sub.Replaced())
	assert.Contains(t, client.Closed(), "key1")
}

func TestExpireRotates(t *testing.T) {
	client := &fakeClient{}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(time.Hour), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	k.Expire()
	require.Eventually(t, func() bool { return k.Key().Key == "key2" }, time.Second, 5*time.Millisecond)
	k.Stop()

	assert.Equal(t, []replaceCall{{"key1", "key2"}}, sub.Replaced())
	assert.Equal(t, []string{"key1", "key2"}, client.Closed())
}

func TestFailedSwapKeepsCurrentKey(t *testing.T) {
	client := &fakeClient{}
	sub := &fakeSubscriber{replaceErr: errors.New("connection failed")}
	k := New("binance", client, sub, testConfig(time.Hour), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	k.Expire()

	// the unused fresh key is released, the subscribed one is kept
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"key2"}, client.Closed())
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "key1", k.Key().Key)
	assert.Equal(t, []replaceCall{{"key1", "key2"}}, sub.Replaced())

	k.Stop()
	assert.Equal(t, []string{"key2", "key1"}, client.Closed())
}

func TestFailedSwapOnRefreshKeepsCurrentKey(t *testing.T) {
	client := &fakeClient{refreshFunc: func(key string, n int) (models.ListenKey, error) {
		return models.ListenKey{Key: "renewed", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	sub := &fakeSubscriber{replaceErr: errors.New("connection failed")}
	k := New("binance", client, sub, testConfig(10*time.Millisecond), newTestLogger())

	require.NoError(t, k.Start(context.Background()))
	require.Eventually(t, func() bool { return len(sub.Replaced()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "key1", k.Key().Key)
	assert.Empty(t, client.Closed())

	k.Stop()
	assert.Equal(t, []string{"key1"}, client.Closed())
}

func TestConcurrentStartCreatesOneKey(t *testing.T) {
	client := &fakeClient{createDelay: 20 * time.Millisecond}
	sub := &fakeSubscriber{}
	k := New("binance", client, sub, testConfig(time.Hour), newTestLogger())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- k.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	started := 0
	for err := range errs {
		if err == nil {
			started++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, []models.MarketID{"key1"}, sub.subscribed)

	k.Stop()
	assert.Equal(t, []string{"key1"}, client.Closed())
}
