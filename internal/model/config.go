package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	EngineSynthetic = "synthetic"
	EngineProcess   = "process"

	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	// EnvPrefix prefixes every environment override, e.g. SIMENGINE_BUS_URL.
	EnvPrefix = "SIMENGINE"
)

//go:embed config.cue
var cueSource []byte

var (
	cueMx  sync.Mutex // cue.Context is not safe for concurrent use
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Server  Server  `mapstructure:"server" yaml:"server"`
	Jobs    Jobs    `mapstructure:"jobs" yaml:"jobs"`
	Engine  Engine  `mapstructure:"engine" yaml:"engine"`
	Bus     Bus     `mapstructure:"bus" yaml:"bus"`
	Log     Log     `mapstructure:"log" yaml:"log"`
	Tracing Tracing `mapstructure:"tracing" yaml:"tracing"`
}

// Server holds the HTTP surface settings.
type Server struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	StreamInterval  time.Duration `mapstructure:"stream_interval" yaml:"stream_interval"`
	StreamTimeout   time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Jobs configures the worker pool, the event pipeline and the registry.
type Jobs struct {
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	BlockingBatchSize int           `mapstructure:"blocking_batch_size" yaml:"blocking_batch_size"`
	DefaultIterations int           `mapstructure:"default_iterations" yaml:"default_iterations"`
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"` // 0 keeps finished jobs forever
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"`
}

type Engine struct {
	Kind      string    `mapstructure:"kind" yaml:"kind"` // "synthetic" | "process"
	Synthetic Synthetic `mapstructure:"synthetic" yaml:"synthetic"`
	Process   Process   `mapstructure:"process" yaml:"process"`
}

type Synthetic struct {
	Agents    int           `mapstructure:"agents" yaml:"agents"`
	StepDelay time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
}

// Process describes an external engine binary.
type Process struct {
	Path      string            `mapstructure:"path" yaml:"path"`
	Args      []string          `mapstructure:"args" yaml:"args"`
	Env       map[string]string `mapstructure:"env" yaml:"env"`
	KillGrace time.Duration     `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// Environ returns Env as KEY=value pairs. Keys are upper-cased since viper
// lower-cases map keys, values starting with $ are expanded.
func (p Process) Environ() []string {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

type Bus struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Stream         string        `mapstructure:"stream" yaml:"stream"`
	SubjectRoot    string        `mapstructure:"subject_root" yaml:"subject_root"`
	MaxAge         time.Duration `mapstructure:"max_age" yaml:"max_age"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	Reconcile      Schedule      `mapstructure:"reconcile" yaml:"reconcile"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Tracing struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
}

func DefaultConfig() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			StreamInterval:  time.Second,
			StreamTimeout:   30 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Jobs: Jobs{
			Workers:           4,
			BatchSize:         1,
			BlockingBatchSize: 100,
			DefaultIterations: 1,
			Retention:         0,
			CleanupInterval:   10 * time.Minute,
			WorkDir:           filepath.Join(os.TempDir(), "simengine"),
		},
		Engine: Engine{
			Kind: EngineSynthetic,
			Synthetic: Synthetic{
				Agents:    10,
				StepDelay: 10 * time.Millisecond,
			},
			Process: Process{
				KillGrace: 10 * time.Second,
			},
		},
		Bus: Bus{
			URL:            "nats://localhost:4222",
			Stream:         "SIMULATIONS",
			SubjectRoot:    "sim",
			MaxAge:         30 * 24 * time.Hour,
			ReconnectWait:  2 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Tracing: Tracing{
			Enabled:      false,
			Exporter:     ExporterNone,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "simengine",
		},
	}
}

// ValidateYAML checks a YAML document against the embedded CUE schema.
// An empty document is valid.
func ValidateYAML(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	cueMx.Lock()
	defer cueMx.Unlock()

	file, err := yaml.Extract("config.yaml", raw)
	if err != nil {
		return err
	}
	value := cueCtx.BuildFile(file)
	if value.Err() != nil {
		return value.Err()
	}
	unified := schema.Unify(value)
	return unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	)
}

// Load merges the defaults, the YAML file at path (optional) and SIMENGINE_*
// environment variables into a validated Config.
func Load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := ValidateYAML(bytes.NewReader(raw)); err != nil {
			return Config{}, err
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the constraints the schema can't see, such as values
// coming from the environment.
func (c Config) Validate() error {
	var errs []error
	if c.Jobs.Workers <= 0 {
		errs = append(errs, fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers))
	}
	if c.Jobs.BatchSize <= 0 || c.Jobs.BlockingBatchSize <= 0 {
		errs = append(errs, errors.New("jobs.batch_size and jobs.blocking_batch_size must be positive"))
	}
	if c.Jobs.DefaultIterations <= 0 {
		errs = append(errs, fmt.Errorf("jobs.default_iterations must be positive, got %d", c.Jobs.DefaultIterations))
	}
	if c.Jobs.Retention < 0 {
		errs = append(errs, errors.New("jobs.retention can't be negative"))
	}
	if c.Server.StreamInterval <= 0 {
		errs = append(errs, errors.New("server.stream_interval must be positive"))
	}
	switch c.Engine.Kind {
	case EngineSynthetic:
	case EngineProcess:
		if c.Engine.Process.Path == "" {
			errs = append(errs, errors.New("engine.process.path is required for the process engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.kind %q is not supported", c.Engine.Kind))
	}
	if err := c.Bus.Reconcile.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bus.reconcile: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.stream_interval", d.Server.StreamInterval)
	v.SetDefault("server.stream_timeout", d.Server.StreamTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("jobs.workers", d.Jobs.Workers)
	v.SetDefault("jobs.batch_size", d.Jobs.BatchSize)
	v.SetDefault("jobs.blocking_batch_size", d.Jobs.BlockingBatchSize)
	v.SetDefault("jobs.default_iterations", d.Jobs.DefaultIterations)
	v.SetDefault("jobs.retention", d.Jobs.Retention)
	v.SetDefault("jobs.cleanup_interval", d.Jobs.CleanupInterval)
	v.SetDefault("jobs.work_dir", d.Jobs.WorkDir)

	v.SetDefault("engine.kind", d.Engine.Kind)
	v.SetDefault("engine.synthetic.agents", d.Engine.Synthetic.Agents)
	v.SetDefault("engine.synthetic.step_delay", d.Engine.Synthetic.StepDelay)
	v.SetDefault("engine.process.path", d.Engine.Process.Path)
	v.SetDefault("engine.process.kill_grace", d.Engine.Process.KillGrace)

	v.SetDefault("bus.url", d.Bus.URL)
	v.SetDefault("bus.stream", d.Bus.Stream)
	v.SetDefault("bus.subject_root", d.Bus.SubjectRoot)
	v.SetDefault("bus.max_age", d.Bus.MaxAge)
	v.SetDefault("bus.reconnect_wait", d.Bus.ReconnectWait)
	v.SetDefault("bus.publish_timeout", d.Bus.PublishTimeout)
	v.SetDefault("bus.reconcile.cron", d.Bus.Reconcile.Cron)
	v.SetDefault("bus.reconcile.duration", d.Bus.Reconcile.Duration)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}
