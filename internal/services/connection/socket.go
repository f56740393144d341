package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultReadLimit    = 1 << 20 // 1MB
	defaultWriteTimeout = 5 * time.Second
)

// socket is one physical WebSocket carrying a subset of the streams
type socket struct {
	id     int
	conn   *websocket.Conn
	logger *logrus.Entry

	heartbeat    time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	// streams carried by this socket, guarded by Supervisor.cmdMu
	streams map[string]struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

// dialSocket opens a socket, mapping handshake rejections to sentinel errors
func dialSocket(ctx context.Context, id int, endpoint string, cfg Config, logger *logrus.Entry) (*socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, wrapStatus(resp.StatusCode, fmt.Errorf("dial %s: %w", endpoint, err))
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s := &socket{
		id:           id,
		conn:         conn,
		logger:       logger.WithField("socket", id),
		heartbeat:    cfg.HeartbeatTimeout,
		writeTimeout: cfg.WriteTimeout,
		streams:      make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	conn.SetReadLimit(defaultReadLimit)
	s.extendDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	return s, nil
}

// extendDeadline pushes the read deadline one heartbeat into the future
func (s *socket) extendDeadline() {
	if s.heartbeat <= 0 {
		return
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.heartbeat)); err != nil {
		s.logger.WithError(err).Debug("Failed to set read deadline")
	}
}

// start runs the read and ping loops. onMessage runs on the read goroutine,
// onFailure is called once when the socket dies.
func (s *socket) start(onMessage func([]byte), onFailure func(error)) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(onMessage, onFailure)
	}()
	go func() {
		defer s.wg.Done()
		s.pingLoop()
	}()
}

func (s *socket) readLoop(onMessage func([]byte), onFailure func(error)) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// closed by us
			default:
				onFailure(fmt.Errorf("socket %d read: %w", s.id, err))
			}
			return
		}

		s.extendDeadline()

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Errorf("Panic in message handler: %v", r)
				}
			}()
			onMessage(data)
		}()
	}
}

func (s *socket) pingLoop() {
	if s.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeat / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Debug("Ping failed")
			}
		}
	}
}

// write sends text frames back to back under the write lock
func (s *socket) write(msgs ...[]byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("socket %d write: %w", s.id, err)
		}
	}
	return nil
}

// read is used before the read loop starts, during authentication
func (s *socket) read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err == nil {
		s.extendDeadline()
	}
	return data, err
}

// close stops both loops and waits for them
func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()

		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("Error closing websocket connection")
		}
	})
	s.wg.Wait()
}
