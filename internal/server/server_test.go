package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/tickertrail/internal/config"
	"github.com/Sternrassler/tickertrail/pkg/aggregate"
	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/client"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
	"github.com/Sternrassler/tickertrail/pkg/tracker"
)

// stubTracker answers from canned values; lookupErr and retryErr select failures.
type stubTracker struct {
	bus       *notify.MemoryBus
	lookupErr error
	retryErr  error
	jobs      map[string]backfill.Job
}

func (s *stubTracker) Lookup(_ context.Context, subject string) (tracker.LookupResult, error) {
	if s.lookupErr != nil {
		return tracker.LookupResult{}, s.lookupErr
	}
	norm, err := record.NormalizeSubject(subject)
	if err != nil {
		return tracker.LookupResult{}, err
	}
	return tracker.LookupResult{Subject: norm, Fetched: 2, Created: 2, Submitted: 2}, nil
}

func (s *stubTracker) Records(context.Context, string) ([]record.Record, error) {
	return []record.Record{{NaturalKey: "1", Subject: "alice", State: record.StateEnriched}}, nil
}

func (s *stubTracker) StartBackfill(_ context.Context, subject string) (backfill.Job, error) {
	job := backfill.Job{Subject: subject, Status: backfill.StatusFetching, Generation: 1}
	s.jobs[subject] = job
	return job, nil
}

func (s *stubTracker) BackfillStatus(subject string) (backfill.Job, bool) {
	job, ok := s.jobs[subject]
	return job, ok
}

func (s *stubTracker) Retry(_ context.Context, subject string) (enrich.RetryReport, error) {
	return enrich.RetryReport{Subject: subject, Failed: 2, Resubmitted: 2, Enriched: 1, Pending: 1}, s.retryErr
}

func (s *stubTracker) IdentifierStats(context.Context, string) ([]aggregate.IdentifierStat, error) {
	return []aggregate.IdentifierStat{{Identifier: "AAPL", MentionCount: 3, Loading: true}}, nil
}

func (s *stubTracker) Summary(context.Context, string) (aggregate.Summary, error) {
	return aggregate.Summary{Long: aggregate.Bucket{Count: 1, Right: 1}}, nil
}

func (s *stubTracker) Subscribe(ctx context.Context, subject string) (*notify.Subscription, error) {
	norm, err := record.NormalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	return s.bus.Subscribe(ctx, notify.SubjectTopics(norm)...)
}

func (s *stubTracker) RateLimits() []ratelimit.State {
	return []ratelimit.State{{Service: ratelimit.ServicePosts, Capacity: 10, Available: 7}}
}

func newTestServer(t *testing.T) (*Server, *stubTracker) {
	t.Helper()
	bus := notify.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	stub := &stubTracker{bus: bus, jobs: make(map[string]backfill.Job)}
	return New(stub, config.ServerConfig{Address: ":0", ShutdownTimeout: time.Second}, zerolog.Nop()), stub
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Len(t, body.RateLimits, 1)
	require.Equal(t, 7, body.RateLimits[0].Available)
}

func TestLookupStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"ok", "/api/v1/subjects/alice", nil, http.StatusOK},
		{"invalid subject", "/api/v1/subjects/not-valid-handle-too-long", nil, http.StatusBadRequest},
		{"upstream down", "/api/v1/subjects/alice", &client.UpstreamError{Service: "posts", StatusCode: 503, Class: client.ErrorClassServer}, http.StatusBadGateway},
		{"unknown subject", "/api/v1/subjects/alice", fmt.Errorf("fetch: %w", &client.UpstreamError{Service: "posts", StatusCode: 404, Class: client.ErrorClassClient}), http.StatusNotFound},
		{"internal", "/api/v1/subjects/alice", fmt.Errorf("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, stub := newTestServer(t)
			stub.lookupErr = tt.err

			rec := do(t, s, http.MethodGet, tt.path)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				var body errorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.NotEmpty(t, body.Error)
			}
		})
	}
}

func TestBackfillEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/subjects/alice/backfill")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/subjects/alice/backfill")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/subjects/alice/backfill")
	require.Equal(t, http.StatusOK, rec.Code)
	var job backfill.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	require.Equal(t, backfill.StatusFetching, job.Status)

	rec = do(t, s, http.MethodGet, "/api/v1/subjects/bad!/backfill")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/subjects/alice/backfill")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRetryEndpoint(t *testing.T) {
	s, stub := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/subjects/alice/retry")
	require.Equal(t, http.StatusOK, rec.Code)

	stub.retryErr = fmt.Errorf("%w: 1 of 2 records pending", enrich.ErrRetryTimeout)
	rec = do(t, s, http.MethodPost, "/api/v1/subjects/alice/retry")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body retryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, 1, body.Pending)
	require.Contains(t, body.Error, "retry timed out")
}

func TestViewEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/subjects/alice/identifiers")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []aggregate.IdentifierStat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Len(t, stats, 1)
	require.True(t, stats[0].Loading)

	rec = do(t, s, http.MethodGet, "/api/v1/subjects/alice/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum aggregate.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sum))
	require.Equal(t, 1, sum.Long.Right)

	rec = do(t, s, http.MethodGet, "/api/v1/subjects/alice/records")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodGet, "/health")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tickertrail_http_requests_total")
}

func TestEventStream(t *testing.T) {
	s, stub := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/subjects/alice/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription is registered before the upgrade completes.
	ctx := context.Background()
	require.NoError(t, notify.Publish(ctx, stub.bus, notify.RecordsTopic("alice"), notify.TypeRecordUpdated, "alice",
		record.Record{NaturalKey: "1", Subject: "alice", State: record.StateEnriched}))
	require.NoError(t, notify.Publish(ctx, stub.bus, notify.RecordsTopic("bob"), notify.TypeRecordUpdated, "bob",
		record.Record{NaturalKey: "2", Subject: "bob"}))
	require.NoError(t, notify.Publish(ctx, stub.bus, notify.BackfillTopic("alice"), notify.TypeBackfillProgress, "alice",
		backfill.Job{Subject: "alice", Status: backfill.StatusComplete}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first notify.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, notify.TypeRecordUpdated, first.Type)
	var r record.Record
	require.NoError(t, first.Decode(&r))
	require.Equal(t, "1", r.NaturalKey)

	var second notify.Event
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, notify.TypeBackfillProgress, second.Type)
	require.Equal(t, "alice", second.Subject)
}

func TestEventStreamRejectsInvalidSubject(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/subjects/bad!/events")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
