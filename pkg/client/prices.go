package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/cache"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

// DateLayout is the date format used by the prices service.
const DateLayout = "2006-01-02"

// CacheTTL holds the fallback cache lifetimes used when the prices service
// sends no caching headers.
type CacheTTL struct {
	// Historical applies to on-or-before and after lookups.
	Historical time.Duration `mapstructure:"historical"`

	// Latest applies to most recent price lookups. Zero disables caching them.
	Latest time.Duration `mapstructure:"latest"`
}

// DefaultCacheTTL returns 24h for historical prices and 5m for the latest price.
func DefaultCacheTTL() CacheTTL {
	return CacheTTL{
		Historical: 24 * time.Hour,
		Latest:     5 * time.Minute,
	}
}

type priceDTO struct {
	Price float64 `json:"price"`
	Date  string  `json:"date"`
}

// PriceClient looks up daily prices of an identifier.
// A nil point with a nil error means the service has no price for the lookup.
type PriceClient struct {
	client *Client
	ttl    CacheTTL
}

// NewPriceClient creates a prices client gated by the "prices" limiter.
// cacheManager may be nil to disable caching.
func NewPriceClient(cfg Config, ttl CacheTTL, gate Gate, cacheManager *cache.Manager, logger zerolog.Logger) (*PriceClient, error) {
	c, err := New(ratelimit.ServicePrices, cfg, gate, logger)
	if err != nil {
		return nil, err
	}
	if cacheManager != nil {
		c.SetCache(cacheManager)
	}
	return &PriceClient{client: c, ttl: ttl}, nil
}

// Client returns the underlying HTTP client.
func (p *PriceClient) Client() *Client {
	return p.client
}

// PriceOnOrBefore returns the last price on or before date.
func (p *PriceClient) PriceOnOrBefore(ctx context.Context, symbol string, date time.Time) (*record.PricePoint, error) {
	query := url.Values{"date": []string{date.UTC().Format(DateLayout)}}
	return p.lookup(ctx, symbol, "on-or-before", query, p.ttl.Historical)
}

// PriceAfter returns the first price at least months after date.
func (p *PriceClient) PriceAfter(ctx context.Context, symbol string, date time.Time, months int) (*record.PricePoint, error) {
	query := url.Values{
		"date":   []string{date.UTC().Format(DateLayout)},
		"months": []string{strconv.Itoa(months)},
	}
	return p.lookup(ctx, symbol, "after", query, p.ttl.Historical)
}

// MostRecentPrice returns the latest known price.
func (p *PriceClient) MostRecentPrice(ctx context.Context, symbol string) (*record.PricePoint, error) {
	return p.lookup(ctx, symbol, "latest", nil, p.ttl.Latest)
}

func (p *PriceClient) lookup(ctx context.Context, symbol, kind string, query url.Values, ttl time.Duration) (*record.PricePoint, error) {
	path := fmt.Sprintf("/prices/%s/%s", url.PathEscape(symbol), kind)

	var dto priceDTO
	if err := p.client.getJSON(ctx, path, query, ttl, &dto); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	date, err := time.Parse(DateLayout, dto.Date)
	if err != nil {
		return nil, p.client.fail(&UpstreamError{
			Service:    p.client.service,
			StatusCode: http.StatusOK,
			Class:      ErrorClassDecode,
			Message:    fmt.Sprintf("invalid price date %q", dto.Date),
			Err:        err,
		})
	}

	return &record.PricePoint{Price: dto.Price, Date: date}, nil
}
