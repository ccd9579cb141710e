// Package testutil provides a mock of the posts, classifier and prices
// services for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// DateLayout is the date format of the prices service.
const DateLayout = "2006-01-02"

// MockResponse defines a canned response for one path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Post is one post served by the mock posts service.
type Post struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Text      string    `json:"text"`
}

// Classification is the mock classifier's answer for one text.
type Classification struct {
	Tickers    []string `json:"tickers"`
	Direction  string   `json:"direction"`
	Confidence float64  `json:"confidence"`
}

// Price is one daily price served by the mock prices service.
type Price struct {
	Date  time.Time
	Price float64
}

// ClassifyFunc computes the classification of a text.
type ClassifyFunc func(text string) Classification

// MockUpstream is a configurable mock of every upstream service.
type MockUpstream struct {
	server *httptest.Server
	router chi.Router

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	posts    map[string][]Post
	prices   map[string][]Price
	classify ClassifyFunc
	delay    time.Duration
	counts   map[string]int

	// Tracking
	RequestCount int
}

// NewMockUpstream creates and starts a mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers: make(map[string]http.HandlerFunc),
		posts:    make(map[string][]Post),
		prices:   make(map[string][]Price),
		classify: KeywordClassifier,
		counts:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/subjects/{subject}/posts", mock.handlePosts)
	r.Post("/classify", mock.handleClassify)
	r.Get("/prices/{symbol}/on-or-before", mock.handleOnOrBefore)
	r.Get("/prices/{symbol}/after", mock.handleAfter)
	r.Get("/prices/{symbol}/latest", mock.handleLatest)
	mock.router = r

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.counts[r.URL.Path]++
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.router.ServeHTTP(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.counts = make(map[string]int)
}

// SetHandler overrides the handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ClearHandler removes an override set with SetHandler or SetResponse.
func (m *MockUpstream) ClearHandler(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
}

// SetResponse configures a canned response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPosts replaces the posts of subject. Posts are served newest first.
func (m *MockUpstream) SetPosts(subject string, posts []Post) {
	sorted := append([]Post(nil), posts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[subject] = sorted
}

// SetPrices replaces the daily prices of symbol.
func (m *MockUpstream) SetPrices(symbol string, prices []Price) {
	sorted := append([]Price(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = sorted
}

// SetClassifier replaces the classification function.
func (m *MockUpstream) SetClassifier(fn ClassifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classify = fn
}

// SetClassifyDelay delays every classification response.
func (m *MockUpstream) SetClassifyDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// Count returns the number of requests made to path.
func (m *MockUpstream) Count(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[path]
}

// ClassifyCount returns the number of classification requests.
func (m *MockUpstream) ClassifyCount() int {
	return m.Count("/classify")
}

// CountPrefix returns the number of requests whose path starts with prefix.
func (m *MockUpstream) CountPrefix(prefix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for path, c := range m.counts {
		if strings.HasPrefix(path, prefix) {
			n += c
		}
	}
	return n
}

// KeywordClassifier treats "$XYZ" tokens as tickers and picks the direction
// from the words long/buy, short/sell or hold.
func KeywordClassifier(text string) Classification {
	c := Classification{Tickers: []string{}, Direction: "n/a", Confidence: 0.5}
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,!?;:")
		lower := strings.ToLower(word)
		switch {
		case strings.HasPrefix(word, "$") && len(word) > 1:
			c.Tickers = append(c.Tickers, strings.TrimPrefix(word, "$"))
		case lower == "long" || lower == "buy":
			c.Direction, c.Confidence = "long", 0.9
		case lower == "short" || lower == "sell":
			c.Direction, c.Confidence = "short", 0.9
		case lower == "hold":
			c.Direction, c.Confidence = "neutral", 0.7
		}
	}
	return c
}

func (m *MockUpstream) handlePosts(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	offset := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad cursor"})
			return
		}
	}

	m.mu.RLock()
	all, ok := m.posts[subject]
	m.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown subject"})
		return
	}

	page := []Post{}
	if offset < len(all) {
		end := min(offset+limit, len(all))
		page = append(page, all[offset:end]...)
	}
	next := ""
	if offset+limit < len(all) {
		next = strconv.Itoa(offset + limit)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"posts":       page,
		"next_cursor": next,
	})
}

func (m *MockUpstream) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	m.mu.RLock()
	fn, delay := m.classify, m.delay
	m.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	writeJSON(w, http.StatusOK, fn(req.Text))
}

func (m *MockUpstream) handleOnOrBefore(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDate(w, r)
	if !ok {
		return
	}
	var found *Price
	for _, p := range m.series(chi.URLParam(r, "symbol")) {
		if p.Date.After(date) {
			break
		}
		found = &p
	}
	writePrice(w, found)
}

func (m *MockUpstream) handleAfter(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDate(w, r)
	if !ok {
		return
	}
	months, err := strconv.Atoi(r.URL.Query().Get("months"))
	if err != nil {
		months = 6
	}
	target := date.AddDate(0, months, 0)

	var found *Price
	for _, p := range m.series(chi.URLParam(r, "symbol")) {
		if !p.Date.Before(target) {
			found = &p
			break
		}
	}
	writePrice(w, found)
}

func (m *MockUpstream) handleLatest(w http.ResponseWriter, r *http.Request) {
	series := m.series(chi.URLParam(r, "symbol"))
	if len(series) == 0 {
		writePrice(w, nil)
		return
	}
	writePrice(w, &series[len(series)-1])
}

func (m *MockUpstream) series(symbol string) []Price {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prices[symbol]
}

func parseDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	date, err := time.Parse(DateLayout, r.URL.Query().Get("date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad date"})
		return time.Time{}, false
	}
	return date, true
}

func writePrice(w http.ResponseWriter, p *Price) {
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no price"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"price": p.Price,
		"date":  p.Date.Format(DateLayout),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewMalformedResponse creates a 200 response whose body is not valid JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"posts": [`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
