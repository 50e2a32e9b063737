package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/tumor-intake/internal/config"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

func TestSecret(t *testing.T) {
	log := logger.Nop()

	s, err := Secret("configured", "session secret", log)
	require.NoError(t, err)
	assert.Equal(t, "configured", s)

	a, err := Secret("", "session secret", log)
	require.NoError(t, err)
	b, err := Secret("", "session secret", log)
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestNewPredictionClient(t *testing.T) {
	ctx := context.Background()
	cfg := config.PredictionAPIConfig{BaseURL: "http://127.0.0.1:8000/api", StrictContract: true}

	c, err := NewPredictionClient(ctx, cfg, logger.Nop(), metrics.New("test"))
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = NewPredictionClient(ctx, config.PredictionAPIConfig{BaseURL: "api"}, logger.Nop(), nil)
	assert.Error(t, err)
}

func TestOpenAuditWithoutSinks(t *testing.T) {
	cfg := &config.Config{Audit: config.AuditConfig{Enabled: true, PseudonymKey: "k"}}

	a, err := OpenAudit(context.Background(), cfg, logger.Nop(), nil)
	require.NoError(t, err)
	assert.NotNil(t, a.Service)
	assert.Nil(t, a.DB)
	assert.Nil(t, a.Broker)
	assert.NoError(t, a.Close())
}

func TestOpenAuditWithRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := &config.Config{
		Redis: config.RedisConfig{URL: "redis://" + srv.Addr()},
		Audit: config.AuditConfig{Enabled: true, Channel: "intake.events"},
	}

	a, err := OpenAudit(context.Background(), cfg, logger.Nop(), metrics.New("test"))
	require.NoError(t, err)
	require.NotNil(t, a.Broker)
	assert.NoError(t, a.Broker.Ping(context.Background()))
	assert.NoError(t, a.Close())
}
