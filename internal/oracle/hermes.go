package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// hermesPrice is the price object of a Pyth Hermes feed. Integers are
// transported as decimal strings.
type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesFeed struct {
	ID    string      `json:"id"`
	Price hermesPrice `json:"price"`
}

// reading converts the wire form into a PriceReading.
func (p hermesPrice) reading() (PriceReading, error) {
	price, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return PriceReading{}, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	conf, err := strconv.ParseUint(p.Conf, 10, 64)
	if err != nil {
		return PriceReading{}, fmt.Errorf("parse conf %q: %w", p.Conf, err)
	}
	return PriceReading{
		Price:       price,
		Conf:        conf,
		Expo:        p.Expo,
		PublishTime: p.PublishTime,
	}, nil
}

// normalizeFeedID strips the optional 0x prefix Hermes omits in responses.
func normalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(id), "0x")
}

// HermesSource polls the Pyth Hermes HTTP API.
type HermesSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewHermesSource(baseURL string, timeout time.Duration) *HermesSource {
	return &HermesSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HermesSource) GetPrice(ctx context.Context, feed string) (PriceReading, error) {
	q := url.Values{}
	q.Add("ids[]", feed)
	endpoint := fmt.Sprintf("%s/api/latest_price_feeds?%s", h.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PriceReading{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return PriceReading{}, fmt.Errorf("fetch %s: %w", feed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PriceReading{}, fmt.Errorf("fetch %s: unexpected status %d", feed, resp.StatusCode)
	}

	var feeds []hermesFeed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		return PriceReading{}, fmt.Errorf("decode %s: %w", feed, err)
	}

	want := normalizeFeedID(feed)
	for _, f := range feeds {
		if normalizeFeedID(f.ID) == want {
			return f.Price.reading()
		}
	}

	return PriceReading{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
}
