package connection

import (
	"context"

	"github.com/firebird631/siis-sub001/internal/models"
)

// FeedAdapter translates one venue's wire protocol. Implementations hold no
// connection state and must be safe for concurrent use.
type FeedAdapter interface {
	// Name is the exchange name, used for logs and metrics
	Name() string
	// Endpoint is the WebSocket URL every physical socket dials
	Endpoint() string
	// StreamKey is the venue stream name of a (channel, market) pair
	StreamKey(channel models.Channel, market models.MarketID) string
	// SubscribeCommand encodes a subscribe request for streams
	SubscribeCommand(id int64, streams []string) ([]byte, error)
	// UnsubscribeCommand encodes an unsubscribe request for streams
	UnsubscribeCommand(id int64, streams []string) ([]byte, error)
	// Decode turns one inbound frame into canonical events
	Decode(msg []byte) ([]models.FeedEvent, error)
	// MaxStreamsPerConnection is the venue stream ceiling of one socket
	MaxStreamsPerConnection() int
}

// Authenticator is implemented by adapters whose sockets need a login step
// before subscribing. Returning an error wrapping ErrAuthentication fails the
// connection without retry.
type Authenticator interface {
	Authenticate(ctx context.Context, send func([]byte) error, recv func() ([]byte, error)) error
}

// EventHandler receives every decoded event, called from socket read goroutines
type EventHandler func(event models.FeedEvent)
