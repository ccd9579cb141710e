package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Expected default pretty to be false")
	}
	if cfg.Output == nil {
		t.Error("Expected default output to be set")
	}
}

// levelsWritten logs one line per level and returns the levels that came out.
func levelsWritten(t *testing.T, level LogLevel) []string {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: level, Output: buf})

	logger.Debug().Msg("page visited")
	logger.Info().Msg("lookup complete")
	logger.Warn().Msg("failed to store record")
	logger.Error().Msg("request failed")

	var got []string
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var line struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("Expected JSON log line, got %q: %v", sc.Text(), err)
		}
		got = append(got, line.Level)
	}
	return got
}

func TestSetupFiltersByLevel(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "debug,info,warn,error"},
		{LevelInfo, "info,warn,error"},
		{LevelWarn, "warn,error"},
		{"WARNING", "warn,error"},
		{LevelError, "error"},
		{"", "info,warn,error"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			got := strings.Join(levelsWritten(t, tt.level), ",")
			if got != tt.want {
				t.Errorf("level %q wrote %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"Error", zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if result := parseLevel(tt.input); result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLoggerTagsComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("backfill")
	logger.Info().Str("subject", "alice").Int("pages", 3).Msg("Backfill complete")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "backfill" {
		t.Errorf("Expected component=backfill, got %v", line["component"])
	}
	if line["subject"] != "alice" {
		t.Errorf("Expected subject=alice, got %v", line["subject"])
	}
	if line["message"] != "Backfill complete" {
		t.Errorf("Expected message, got %v", line["message"])
	}
	if _, ok := line["time"]; !ok {
		t.Error("Expected a timestamp")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		level   LogLevel
		wantErr bool
	}{
		{LevelDebug, false},
		{"INFO", false},
		{"", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			err := Config{Level: tt.level}.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetupPretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})
	logger.Info().Str("subject", "alice").Msg("lookup complete")

	output := buf.String()
	if strings.HasPrefix(output, "{") {
		t.Errorf("Expected console output, got JSON %q", output)
	}
	if !strings.Contains(output, "alice") || !strings.Contains(output, "lookup complete") {
		t.Errorf("Expected output to contain field and message, got %q", output)
	}
}
