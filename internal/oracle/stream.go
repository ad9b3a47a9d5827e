package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamSource subscribes to Pyth Hermes over WebSocket and caches the latest
// reading per feed. Feeds not yet seen on the stream are served by fallback.
type StreamSource struct {
	wsURL    string
	feeds    []string
	fallback PriceSource
	logger   zerolog.Logger

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	mu        sync.RWMutex
	readings  map[string]PriceReading
	connected bool
}

type streamRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type streamMessage struct {
	Type      string     `json:"type"`
	PriceFeed hermesFeed `json:"price_feed"`
}

func NewStreamSource(wsURL string, feeds []string, fallback PriceSource, logger zerolog.Logger) *StreamSource {
	return &StreamSource{
		wsURL:             wsURL,
		feeds:             feeds,
		fallback:          fallback,
		logger:            logger,
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		readings:          make(map[string]PriceReading),
	}
}

func (s *StreamSource) GetPrice(ctx context.Context, feed string) (PriceReading, error) {
	s.mu.RLock()
	reading, ok := s.readings[normalizeFeedID(feed)]
	s.mu.RUnlock()

	if ok {
		return reading, nil
	}
	if s.fallback == nil {
		return PriceReading{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
	}
	return s.fallback.GetPrice(ctx, feed)
}

// IsConnected reports whether the stream currently holds a live connection.
func (s *StreamSource) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run maintains the subscription until ctx is cancelled, reconnecting with
// exponential backoff.
func (s *StreamSource) Run(ctx context.Context) error {
	delay := s.reconnectDelay

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("price stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxReconnectDelay {
			delay = s.maxReconnectDelay
		}
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (s *StreamSource) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(streamRequest{Type: "subscribe", IDs: s.feeds}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.setConnected(true)
	defer s.setConnected(false)

	s.logger.Info().Str("url", s.wsURL).Int("feeds", len(s.feeds)).Msg("price stream connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *StreamSource) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed stream message")
		return
	}

	switch msg.Type {
	case "price_update":
		reading, err := msg.PriceFeed.Price.reading()
		if err != nil {
			s.logger.Warn().Err(err).Str("feed", msg.PriceFeed.ID).Msg("ignoring unparsable price update")
			return
		}

		id := normalizeFeedID(msg.PriceFeed.ID)

		s.mu.Lock()
		// Never move a feed backwards in time.
		if prev, ok := s.readings[id]; !ok || reading.PublishTime >= prev.PublishTime {
			s.readings[id] = reading
		}
		s.mu.Unlock()
	case "response":
		// subscription ack
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unhandled stream message")
	}
}

func (s *StreamSource) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
