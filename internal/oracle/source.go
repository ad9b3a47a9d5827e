// Package oracle validates external price readings and rescales them to the
// engine's fixed price precision. It is the only trust boundary for prices.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PriceReading is one raw sample from a feed: value = Price * 10^Expo.
type PriceReading struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime int64 // unix seconds
}

// PriceSource fetches the latest reading for a feed handle.
type PriceSource interface {
	GetPrice(ctx context.Context, feed string) (PriceReading, error)
}

// ErrFeedNotFound is returned by sources that have never seen the feed.
var ErrFeedNotFound = fmt.Errorf("price feed not found")

// StaticSource serves readings from memory. Used for tests and offline evaluation.
type StaticSource struct {
	mu       sync.RWMutex
	readings map[string]PriceReading
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		readings: make(map[string]PriceReading),
	}
}

// Set stores the reading for feed, replacing any previous one.
func (s *StaticSource) Set(feed string, reading PriceReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[feed] = reading
}

// SetPrice stores a reading at the given exponent published at t.
func (s *StaticSource) SetPrice(feed string, price int64, conf uint64, expo int32, t time.Time) {
	s.Set(feed, PriceReading{Price: price, Conf: conf, Expo: expo, PublishTime: t.Unix()})
}

func (s *StaticSource) GetPrice(ctx context.Context, feed string) (PriceReading, error) {
	if err := ctx.Err(); err != nil {
		return PriceReading{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	reading, ok := s.readings[feed]
	if !ok {
		return PriceReading{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
	}
	return reading, nil
}
