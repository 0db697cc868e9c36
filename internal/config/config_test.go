package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DESIGN_CORE_CONFIG_FILE", "")
	t.Setenv("DESIGN_CORE_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.AutoRender)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Kinds["analyze"].Deadline)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.Kinds["render"].Deadline)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Kinds["simulate-lighting"].Deadline)
	assert.Len(t, cfg.RuleSets, 4)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "design-core.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  maxAttempts: 3
  breaker:
    window: 2m
    minRequests: 5
    errorRateThreshold: 0.25
    cooldown: 10s
  kinds:
    render:
      workers: 6
      queueCapacity: 12
      ratePerSecond: 3
      deadline: 90s
ruleSets:
  - id: fire
    name: Fire code
    mandatory: true
`), 0o600))
	t.Setenv("DESIGN_CORE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Scheduler.Kinds["render"].Workers)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Kinds["render"].Deadline)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Kinds["analyze"].Deadline, "kinds absent from the file keep defaults")
	assert.Equal(t, 0.25, cfg.Scheduler.Breaker.ErrorRateThreshold)
	require.Len(t, cfg.RuleSets, 1)
	assert.Equal(t, "fire", cfg.RuleSets[0].ID)
}

func TestValidateRejectsBadBreaker(t *testing.T) {
	cfg := Config{Scheduler: DefaultScheduler(), RuleSets: DefaultRuleSets()}
	cfg.Scheduler.Breaker.ErrorRateThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateRuleSets(t *testing.T) {
	cfg := Config{Scheduler: DefaultScheduler(), RuleSets: []RuleSet{{ID: "fire"}, {ID: "fire"}}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDebugToken(t *testing.T) {
	cfg := Config{Scheduler: DefaultScheduler(), AllowDebugToken: true}
	assert.Error(t, cfg.Validate())
}
