package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"Warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, expected %v", in, got, want)
		}
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger := New(Config{Level: "debug", Output: path, JSONFormat: true})

	store := Component(logger, "store")
	store.Info().Str("symbol", "BTCUSDT").Msg("series created")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["component"] != "store" {
		t.Errorf("Expected component 'store', got %v", entry["component"])
	}
	if entry["symbol"] != "BTCUSDT" {
		t.Errorf("Expected symbol field, got %v", entry["symbol"])
	}
	if entry["message"] != "series created" {
		t.Errorf("Expected message, got %v", entry["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger := New(Config{Level: "warn", Output: path, JSONFormat: true})

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if string(data) == "" {
		t.Fatal("Expected at least the warn line")
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("Expected a single JSON line, got %q", string(data))
	}
	if entry["message"] != "kept" {
		t.Errorf("Info line should have been filtered, got %v", entry["message"])
	}
}
