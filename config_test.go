package turbocore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/gaohao-creator/turbocore/threadpool"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "turbocore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200, cfg.Pool.MaxWorkers)
	assert.Equal(t, map[string]int{"misc": 10}, cfg.Slots)
	assert.Equal(t, time.Second, cfg.Scheduler.FastThreshold)
	assert.Equal(t, 10, cfg.Scheduler.MaxStartsPerLoop)
	assert.Equal(t, 60*time.Second, cfg.Sleep.Gap)
	assert.Equal(t, 30*time.Second, cfg.Daemons.ShutdownTimeout)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  max_workers: 50
scheduler:
  fast_threshold: 2s
  slot_retry_delay: 3s
slots:
  downloads: 3
sleep:
  gap: 90s
profiling:
  modes: [thread_debug]
  pprof_addr: "127.0.0.1:6060"
database:
  path: /tmp/turbocore.db
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Pool.MaxWorkers)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.FastThreshold)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.SlotRetryDelay)
	assert.Equal(t, time.Second, cfg.Scheduler.MaxWait, "untouched keys keep their default")
	assert.Equal(t, map[string]int{"misc": 10, "downloads": 3}, cfg.Slots)
	assert.Equal(t, 90*time.Second, cfg.Sleep.Gap)
	assert.Equal(t, []string{"thread_debug"}, cfg.Profiling.Modes)
	assert.Equal(t, "127.0.0.1:6060", cfg.Profiling.PprofAddr)
	assert.Equal(t, "/tmp/turbocore.db", cfg.Database.Path)
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "pool:\n  max_threads: 3\n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxWorkers = -1
	cfg.Slots["misc"] = -1
	cfg.Sleep.Gap = cfg.Sleep.CheckPeriod
	cfg.Profiling.Modes = []string{"nope"}
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
	assert.Contains(t, err.Error(), `unknown mode "nope"`)
}

func TestZeroSlotLiftsTheLimit(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "slots:\n  misc: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Slots["misc"])

	c := newTestController(t, cfg)
	for i := 0; i < threadpool.DefaultSlots["misc"]+5; i++ {
		require.True(t, c.AcquireThreadSlot("misc"))
	}
	assert.Empty(t, c.Stats().Slots)
}

func TestConfigRoundTripsThroughYAML(t *testing.T) {
	out, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(out), "fast_threshold: 1s")

	cfg, err := LoadConfig(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLogConfigBuild(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Development: true}.Build()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LogConfig{Level: "loud"}.Build()
	assert.Error(t, err)
}
