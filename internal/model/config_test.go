package model_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trafficjam/simengine/internal/model"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestValidateYAML(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		err      bool
	}{
		{"empty", "", false},
		{"comments only", "# nothing\n", false},
		{"full", `
server:
  addr: ":9090"
  stream_interval: 500ms
jobs:
  workers: 2
  retention: 1h
engine:
  kind: process
  process:
    path: /usr/bin/matsim
    args: ["-Xmx2g"]
    env:
      JAVA_HOME: /opt/java
bus:
  url: nats://nats:4222
  reconcile:
    duration: PT5M
log:
  level: debug
  format: text
tracing:
  enabled: true
  exporter: stdout
  sample_rate: 0.5
`, false},
		{"unknown field", "server:\n  port: 8080\n", true},
		{"bad enum", "engine:\n  kind: docker\n", true},
		{"zero workers", "jobs:\n  workers: 0\n", true},
		{"bad duration", "server:\n  stream_interval: soon\n", true},
		{"bad bus scheme", "bus:\n  url: http://localhost:4222\n", true},
		{"dotted subject root", "bus:\n  subject_root: sim.x\n", true},
		{"sample rate above one", "tracing:\n  sample_rate: 2\n", true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := model.ValidateYAML(strings.NewReader(tc.given))
			if tc.err {
				require.Error(t, err)
				require.NotEmpty(t, model.ErrDetails(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestErrDetails(t *testing.T) {
	t.Parallel()
	err := model.ValidateYAML(strings.NewReader("server:\n  port: 8080\n"))
	require.Error(t, err)
	details := model.ErrDetails(err)
	require.NotEmpty(t, details)
	require.Equal(t, "unknown_field", details[0].Code)
	require.Contains(t, details[0].Path, "port")

	require.Nil(t, model.ErrDetails(nil))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := model.Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simengine.yaml")
	err := os.WriteFile(path, []byte(`
server:
  stream_interval: 250ms
jobs:
  workers: 8
  blocking_batch_size: 50
engine:
  kind: process
  process:
    path: /bin/engine
    env:
      MATSIM_HOME: /opt/matsim
bus:
  reconcile:
    cron: "*/5 * * * *"
`), 0o600)
	require.NoError(t, err)
	t.Setenv("SIMENGINE_SERVER_ADDR", ":7070")

	cfg, err := model.Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, 250*time.Millisecond, cfg.Server.StreamInterval)
	require.Equal(t, 8, cfg.Jobs.Workers)
	require.Equal(t, 1, cfg.Jobs.BatchSize)
	require.Equal(t, 50, cfg.Jobs.BlockingBatchSize)
	require.Equal(t, model.EngineProcess, cfg.Engine.Kind)
	require.Equal(t, "/bin/engine", cfg.Engine.Process.Path)
	require.Equal(t, []string{"MATSIM_HOME=/opt/matsim"}, cfg.Engine.Process.Environ())
	require.Equal(t, 10*time.Second, cfg.Engine.Process.KillGrace)
	require.Equal(t, "*/5 * * * *", cfg.Bus.Reconcile.Cron)
	require.Equal(t, "SIMULATIONS", cfg.Bus.Stream)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  kind: process\n"), 0o600))

	_, err := model.Load(viper.New(), path)
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	require.ErrorContains(t, err, "engine.process.path")

	_, err = model.Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Jobs.Workers = 0
	cfg.Engine.Kind = "docker"
	cfg.Bus.Reconcile.Duration = "P1Y"
	err := cfg.Validate()
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	require.ErrorContains(t, err, "jobs.workers")
	require.ErrorContains(t, err, "docker")
	require.ErrorContains(t, err, "bus.reconcile")
}
