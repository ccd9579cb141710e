package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func newResponse(status int, headers http.Header, body string) *http.Response {
	if headers == nil {
		headers = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     headers,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func TestResponseToEntry(t *testing.T) {
	resp := newResponse(http.StatusOK, http.Header{
		"Expires": []string{time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)},
	}, `{"price":101.5,"date":"2024-01-02"}`)

	entry, err := ResponseToEntry(resp, time.Minute)
	if err != nil {
		t.Fatalf("ResponseToEntry() error = %v", err)
	}

	if string(entry.Data) != `{"price":101.5,"date":"2024-01-02"}` {
		t.Errorf("Data = %s", entry.Data)
	}
	if entry.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", entry.StatusCode)
	}
	if ttl := entry.TTL(); ttl < 58*time.Minute {
		t.Errorf("TTL() = %v, want about 1h", ttl)
	}

	// body is restored for the caller
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if string(body) != string(entry.Data) {
		t.Errorf("restored body = %s, want %s", body, entry.Data)
	}
}

func TestResponseToEntry_Nil(t *testing.T) {
	if _, err := ResponseToEntry(nil, time.Minute); err == nil {
		t.Error("ResponseToEntry(nil) should return an error")
	}
}

func TestParseExpires(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fallback := 10 * time.Minute

	tests := []struct {
		name    string
		headers http.Header
		want    time.Time
	}{
		{
			name:    "no headers uses fallback",
			headers: http.Header{},
			want:    now.Add(fallback),
		},
		{
			name:    "expires header",
			headers: http.Header{"Expires": []string{now.Add(2 * time.Hour).Format(http.TimeFormat)}},
			want:    now.Add(2 * time.Hour),
		},
		{
			name:    "expires in the past",
			headers: http.Header{"Expires": []string{now.Add(-time.Hour).Format(http.TimeFormat)}},
			want:    now,
		},
		{
			name:    "unparseable expires",
			headers: http.Header{"Expires": []string{"tomorrow-ish"}},
			want:    now.Add(fallback),
		},
		{
			name: "max-age wins over expires",
			headers: http.Header{
				"Cache-Control": []string{"public, max-age=300"},
				"Expires":       []string{now.Add(2 * time.Hour).Format(http.TimeFormat)},
			},
			want: now.Add(5 * time.Minute),
		},
		{
			name:    "invalid max-age is ignored",
			headers: http.Header{"Cache-Control": []string{"max-age=soon"}},
			want:    now.Add(fallback),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseExpires(tt.headers, now, fallback); !got.Equal(tt.want) {
				t.Errorf("parseExpires() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{"nil response", nil, false},
		{"ok", newResponse(http.StatusOK, nil, "{}"), true},
		{"not found", newResponse(http.StatusNotFound, nil, "{}"), false},
		{"server error", newResponse(http.StatusBadGateway, nil, ""), false},
		{"no-store", newResponse(http.StatusOK, http.Header{"Cache-Control": []string{"no-store"}}, "{}"), false},
		{"no-cache mixed case", newResponse(http.StatusOK, http.Header{"Cache-Control": []string{"private, No-Cache"}}, "{}"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cacheable(tt.resp); got != tt.want {
				t.Errorf("Cacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}
