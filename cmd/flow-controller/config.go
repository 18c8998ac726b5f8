package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/runtime"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FLOWCTL"

// Config is everything `serve` needs, resolved from flags, environment and
// the optional config file.
type Config struct {
	LogLevel  string
	LogFormat string

	MetricsAddr string
	// SpeakerAddr dials an external speaker. When empty a simulated speaker
	// is served on SpeakerListen.
	SpeakerAddr           string
	SpeakerListen         string
	SpeakerRequestTimeout time.Duration

	Topology string

	Runtime   runtime.Config
	Resources resources.Config
	Tracing   observability.TracingConfig
	History   HistoryConfig
}

type HistoryConfig struct {
	Sink string // log | memory | s3
	S3   history.ObjectStoreConfig
}

// flagKeys maps command line flags to their config keys.
var flagKeys = map[string]string{
	"log-level":                    "log.level",
	"log-format":                   "log.format",
	"metrics-addr":                 "metrics.addr",
	"speaker-addr":                 "speaker.addr",
	"speaker-listen":               "speaker.listen",
	"speaker-request-timeout":      "speaker.request-timeout",
	"topology":                     "topology",
	"orchestrator-speaker-timeout": "orchestrator.speaker-timeout",
	"orchestrator-command-retries": "orchestrator.command-retries",
	"orchestrator-remove-retries":  "orchestrator.remove-retries",
	"timeout-poll":                 "orchestrator.timeout-poll",
	"backlog-report":               "orchestrator.backlog-report",
	"history-sink":                 "history.sink",
	"tracing-enabled":              "tracing.enabled",
	"tracing-exporter":             "tracing.exporter",
	"tracing-endpoint":             "tracing.endpoint",
	"tracing-sample-ratio":         "tracing.sample-ratio",
	"tracing-service-name":         "tracing.service-name",
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flags.String("speaker-addr", "", "address of an external speaker; empty serves a simulated one")
	flags.String("speaker-listen", "127.0.0.1:50061", "listen address of the simulated speaker")
	flags.Duration("speaker-request-timeout", 5*time.Second, "deadline of a single speaker call")
	flags.String("topology", "", "YAML topology with switches, links and bootstrap flows")
	flags.Duration("orchestrator-speaker-timeout", 30*time.Second, "how long an operation waits for speaker responses")
	flags.Int("orchestrator-command-retries", 3, "resends of a failed install")
	flags.Int("orchestrator-remove-retries", 0, "resends of a failed removal during rollback")
	flags.Duration("timeout-poll", 100*time.Millisecond, "how often expired deadlines are checked")
	flags.Duration("backlog-report", time.Minute, "how often rules that could not be removed are reported")
	flags.String("history-sink", "log", "operation history sink (log, memory, s3)")
	flags.Bool("tracing-enabled", false, "export OpenTelemetry traces")
	flags.String("tracing-exporter", "stdout", "trace exporter (stdout, otlp)")
	flags.String("tracing-endpoint", "", "OTLP collector endpoint")
	flags.Float64("tracing-sample-ratio", 1, "fraction of traces sampled")
	flags.String("tracing-service-name", "flow-controller", "service.name resource attribute")
}

// newViper reads FLOWCTL_* variables, e.g. FLOWCTL_LOG_LEVEL for log.level.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.sink", "log")
	for _, k := range []string{
		"resources.cookie-min", "resources.cookie-max",
		"resources.meter-min", "resources.meter-max",
		"resources.vlan-min", "resources.vlan-max",
		"resources.vni-min", "resources.vni-max",
	} {
		v.SetDefault(k, 0)
	}
	for _, k := range []string{
		"history.s3.endpoint", "history.s3.region", "history.s3.bucket", "history.s3.prefix",
		"history.s3.access-key", "history.s3.secret-key",
	} {
		v.SetDefault(k, "")
	}
	v.SetDefault("history.s3.insecure", false)
	v.SetDefault("history.s3.force-path-style", true)
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// readConfigFile loads path when set. A missing explicit file is an error.
func readConfigFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:              v.GetString("log.level"),
		LogFormat:             strings.ToLower(v.GetString("log.format")),
		MetricsAddr:           v.GetString("metrics.addr"),
		SpeakerAddr:           v.GetString("speaker.addr"),
		SpeakerListen:         v.GetString("speaker.listen"),
		SpeakerRequestTimeout: v.GetDuration("speaker.request-timeout"),
		Topology:              v.GetString("topology"),
		Runtime: runtime.Config{
			Orchestrator: flowhs.Config{
				SpeakerTimeout: v.GetDuration("orchestrator.speaker-timeout"),
				CommandRetries: v.GetInt("orchestrator.command-retries"),
				RemoveRetries:  v.GetInt("orchestrator.remove-retries"),
			},
			TimeoutPoll:   v.GetDuration("orchestrator.timeout-poll"),
			BacklogReport: v.GetDuration("orchestrator.backlog-report"),
		},
		Resources: resources.Config{
			CookieMin: v.GetUint64("resources.cookie-min"),
			CookieMax: v.GetUint64("resources.cookie-max"),
			MeterMin:  v.GetInt64("resources.meter-min"),
			MeterMax:  v.GetInt64("resources.meter-max"),
			VlanMin:   v.GetInt64("resources.vlan-min"),
			VlanMax:   v.GetInt64("resources.vlan-max"),
			VniMin:    v.GetInt64("resources.vni-min"),
			VniMax:    v.GetInt64("resources.vni-max"),
		},
		Tracing: observability.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service-name"),
			Exporter:    strings.ToLower(v.GetString("tracing.exporter")),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sample-ratio"),
		},
		History: HistoryConfig{
			Sink: strings.ToLower(v.GetString("history.sink")),
			S3: history.ObjectStoreConfig{
				Endpoint:       v.GetString("history.s3.endpoint"),
				Region:         v.GetString("history.s3.region"),
				Bucket:         v.GetString("history.s3.bucket"),
				Prefix:         v.GetString("history.s3.prefix"),
				AccessKey:      v.GetString("history.s3.access-key"),
				SecretKey:      v.GetString("history.s3.secret-key"),
				Insecure:       v.GetBool("history.s3.insecure"),
				ForcePathStyle: v.GetBool("history.s3.force-path-style"),
			},
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks values the components would otherwise misread.
func (c Config) Validate() error {
	var errs []error
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.LogFormat))
	}
	switch c.History.Sink {
	case "log", "memory":
	case "s3":
		if c.History.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("history.s3.bucket is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.sink: unknown sink %q", c.History.Sink))
	}
	if c.SpeakerAddr == "" && c.SpeakerListen == "" {
		errs = append(errs, fmt.Errorf("speaker.listen is required without speaker.addr"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample-ratio %v is outside [0, 1]", c.Tracing.SampleRatio))
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		errs = append(errs, fmt.Errorf("tracing.endpoint is required for the otlp exporter"))
	}
	return errors.Join(errs...)
}

// reloadLogLevel applies log.level from a rewritten config file.
func reloadLogLevel(v *viper.Viper, level *slog.LevelVar, log logging.Logger) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := logging.ParseLevel(v.GetString("log.level"))
		if next == level.Level() {
			return
		}
		level.Set(next)
		log.Info(context.Background(), "log level changed",
			logging.String("file", e.Name),
			logging.String("level", next.String()),
		)
	}
}
