package ratelimit

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Registry holds one limiter per upstream service. It is built once at
// process start and injected into the clients that need gating.
type Registry struct {
	limiters map[string]*Limiter
	logger   zerolog.Logger
}

// NewRegistry starts a limiter for every configured service.
func NewRegistry(configs map[string]Config, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		limiters: make(map[string]*Limiter, len(configs)),
		logger:   logger,
	}

	for service, cfg := range configs {
		l, err := New(service, cfg, logger)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.limiters[service] = l

		logger.Info().
			Str("service", service).
			Int("capacity", cfg.Capacity).
			Dur("period", cfg.Period).
			Msg("Rate limiter started")
	}

	return r, nil
}

// Acquire blocks until service admits one more request.
func (r *Registry) Acquire(ctx context.Context, service string) error {
	l, err := r.Limiter(service)
	if err != nil {
		return err
	}
	return l.Acquire(ctx)
}

// Limiter returns the limiter for service.
func (r *Registry) Limiter(service string) (*Limiter, error) {
	l, ok := r.limiters[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return l, nil
}

// States returns a snapshot of every limiter, sorted by service name.
func (r *Registry) States() []State {
	out := make([]State, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Close stops every limiter.
func (r *Registry) Close() {
	for _, l := range r.limiters {
		l.Close()
	}
}
