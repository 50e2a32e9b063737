package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, WarnLevel, ParseLevel("warn"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("loud"))
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{Level: InfoLevel, Output: &buf, JSON: true})

	ctx := context.WithValue(context.Background(), RequestIDKey{}, "req-1")
	log.WithContext(ctx).Error(errors.New("boom"), "prediction failed", "session_id", "s-1")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "prediction failed", line["message"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "s-1", line["session_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{Level: WarnLevel, Output: &buf, JSON: true})

	log.Info("hidden")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Info("nothing")
	assert.NotNil(t, log.WithFields(map[string]interface{}{"k": "v"}).Zerolog())
}
