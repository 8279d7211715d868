package connect

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// App is one registered application: a client id, its opaque,
// pre-serialized function metadata, and the SDK version that produced it
// (spec §3, WorkerConnect.apps).
type App struct {
	ClientID         string
	FunctionMetadata []byte
	Version          string
}

// Config is the worker's full configuration (spec §6). Apps must be
// non-empty and SigningKey is required outside dev mode; LoadConfig
// supplies defaults for the other fields.
type Config struct {
	SigningKey         string        `mapstructure:"signing_key"`
	SigningKeyFallback string        `mapstructure:"signing_key_fallback"`
	Environment        string        `mapstructure:"environment"`
	Apps               []App         `mapstructure:"-"`
	InstanceID         string        `mapstructure:"instance_id"`
	MaxWorkerConcurrency int64       `mapstructure:"max_worker_concurrency"`
	HandleShutdownSignals bool       `mapstructure:"handle_shutdown_signals"`
	GatewayURLOverride string        `mapstructure:"gateway_url_override"`
	IsolateExecution   bool          `mapstructure:"isolate_execution"`
	APIBaseURL         string        `mapstructure:"api_base_url"`
	DebugFrames        bool          `mapstructure:"debug_frames"`

	HeartbeatFallback   time.Duration
	LeaseExtendFallback time.Duration

	DevMode bool `mapstructure:"-"`
}

// LoadConfig reads configuration from the environment, grounded on
// viper.AutomaticEnv with an explicit env-var map in the style of
// szsip239-teamclaw's config.Load. Apps must be set by the caller after
// loading: the registry of function metadata has no natural environment
// encoding.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", "")
	v.SetDefault("instance_id", hostnameOrUnknown())
	v.SetDefault("max_worker_concurrency", int64(0))
	v.SetDefault("handle_shutdown_signals", true)
	v.SetDefault("gateway_url_override", "")
	v.SetDefault("isolate_execution", true)
	v.SetDefault("api_base_url", "https://api.inngest.com")
	v.SetDefault("debug_frames", false)

	v.SetEnvPrefix("INNGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envMap := map[string]string{
		"signing_key":             "INNGEST_SIGNING_KEY",
		"signing_key_fallback":    "INNGEST_SIGNING_KEY_FALLBACK",
		"environment":             "INNGEST_ENV",
		"instance_id":             "INNGEST_INSTANCE_ID",
		"max_worker_concurrency":  "INNGEST_MAX_WORKER_CONCURRENCY",
		"handle_shutdown_signals": "INNGEST_HANDLE_SHUTDOWN_SIGNALS",
		"gateway_url_override":    "INNGEST_GATEWAY_URL_OVERRIDE",
		"isolate_execution":       "INNGEST_ISOLATE_EXECUTION",
		"api_base_url":            "INNGEST_API_BASE_URL",
		"debug_frames":            "INNGEST_DEBUG_FRAMES",
	}

	for key, env := range envMap {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.DevMode = strings.EqualFold(cfg.Environment, "dev") || cfg.Environment == ""
	cfg.HeartbeatFallback = 10 * time.Second
	cfg.LeaseExtendFallback = 5 * time.Second

	return &cfg, nil
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Validate checks the fatal-at-startup configuration errors enumerated in
// spec §7: missing signing key outside dev mode, empty apps list, and
// duplicate app client ids.
func (c *Config) Validate() error {
	if c.SigningKey == "" && !c.DevMode {
		return fmt.Errorf("connect: signing key is required outside dev mode")
	}

	if len(c.Apps) == 0 {
		return fmt.Errorf("connect: at least one app must be registered")
	}

	seen := make(map[string]struct{}, len(c.Apps))
	for _, app := range c.Apps {
		if _, dup := seen[app.ClientID]; dup {
			return fmt.Errorf("connect: duplicate app client id %q", app.ClientID)
		}
		seen[app.ClientID] = struct{}{}
	}

	return nil
}
