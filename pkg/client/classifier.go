package client

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Tickers    []string `json:"tickers"`
	Direction  string   `json:"direction"`
	Confidence float64  `json:"confidence"`
}

// ClassifierClient extracts identifiers and a direction from post text.
type ClassifierClient struct {
	client *Client
}

// NewClassifierClient creates a classifier client gated by the "classifier" limiter.
func NewClassifierClient(cfg Config, gate Gate, logger zerolog.Logger) (*ClassifierClient, error) {
	c, err := New(ratelimit.ServiceClassifier, cfg, gate, logger)
	if err != nil {
		return nil, err
	}
	return &ClassifierClient{client: c}, nil
}

// Client returns the underlying HTTP client.
func (c *ClassifierClient) Client() *Client {
	return c.client
}

// Classify sends payload to the classification service. Identifiers are
// normalized and unknown directions map to record.DirectionNA.
func (c *ClassifierClient) Classify(ctx context.Context, payload string) (record.Classification, error) {
	var resp classifyResponse
	if err := c.client.postJSON(ctx, "/classify", classifyRequest{Text: payload}, &resp); err != nil {
		return record.Classification{}, err
	}

	return record.Classification{
		Identifiers: record.NormalizeIdentifiers(resp.Tickers),
		Direction:   record.ParseDirection(resp.Direction),
		Confidence:  resp.Confidence,
	}, nil
}
