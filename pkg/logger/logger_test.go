package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf, Service: "bookings"})

	log.Info("Booking created successfully", "booking_id", "42")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "bookings", record[SERVICE])
	assert.Equal(t, "42", record["booking_id"])
	assert.Equal(t, "Booking created successfully", record["msg"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf, Format: TEXT})

	log.Warn("lock busy", "resource", "hotel:1")

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "resource=hotel:1")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf, Level: WARN})

	log.Info("dropped")
	log.Error("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"DEBUG":  slog.LevelDebug,
		"warn":   slog.LevelWarn,
		"error":  slog.LevelError,
		"info":   slog.LevelInfo,
		"":       slog.LevelInfo,
		"chatty": slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf}).With("operation", "confirm")

	log.Info("retrying")

	assert.True(t, strings.Contains(buf.String(), `"operation":"confirm"`))
}
