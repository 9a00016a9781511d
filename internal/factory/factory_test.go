package factory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"identity-service/internal/config"
)

func TestSchedulerConfig(t *testing.T) {
	cfg := &config.Config{
		Engine: config.EngineConfig{
			ExpirySweepSchedule: "@every 15m",
			AnchorRetrySchedule: "@every 5m",
			AnchorTimeout:       10 * time.Second,
			AnchorMaxAttempts:   2,
		},
		Backends: config.BackendConfig{Anchor: config.BackendKafka},
	}

	sc := schedulerConfig(cfg)
	assert.Equal(t, "@every 15m", sc.SweepSchedule)
	assert.Equal(t, "@every 5m", sc.AnchorSchedule)
	assert.Equal(t, 30*time.Second, sc.AnchorGrace)

	cfg.Backends.Anchor = config.BackendDisabled
	sc = schedulerConfig(cfg)
	assert.Empty(t, sc.AnchorSchedule, "no resubmission when anchoring is disabled")
	assert.Equal(t, "@every 15m", sc.SweepSchedule)
}
