package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fabricgate.org/internal/registry"
)

// EnvPrefix is prepended to every environment override, e.g. FABRICGATE_HTTP_ADDR.
const EnvPrefix = "FABRICGATE"

// Descriptor points at one API descriptor file and the namespace it is loaded under.
type Descriptor struct {
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
	BasePath  string `mapstructure:"base_path"`
}

// Config is the process configuration for the api server and the operator CLI.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	TrustForwardedFor bool     `mapstructure:"trust_forwarded_for"`

	DatabaseDSN string `mapstructure:"database_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Auth struct {
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`

	Vault struct {
		Secret        string            `mapstructure:"secret"`
		ActiveVersion int               `mapstructure:"active_version"`
		Previous      map[string]string `mapstructure:"previous"`
	} `mapstructure:"vault"`

	Upstream struct {
		Timeout        time.Duration `mapstructure:"timeout"`
		RetryAttempts  int           `mapstructure:"retry_attempts"`
		SessionTTL     time.Duration `mapstructure:"session_ttl"`
		DefaultCluster string        `mapstructure:"default_cluster"`
	} `mapstructure:"upstream"`

	Policy struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"policy"`

	Audit struct {
		QueueSize    int      `mapstructure:"queue_size"`
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
		KafkaTopic   string   `mapstructure:"kafka_topic"`
	} `mapstructure:"audit"`

	Directory struct {
		SchedulerEnabled bool          `mapstructure:"scheduler_enabled"`
		PollInterval     time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"directory"`

	RateLimit struct {
		Burst     int `mapstructure:"burst"`
		PerSecond int `mapstructure:"per_second"`
	} `mapstructure:"rate_limit"`

	Descriptors []Descriptor `mapstructure:"descriptors"`

	// GuidanceFile is an optional YAML document of tool overrides, prompt
	// sections and workflows.
	GuidanceFile string `mapstructure:"guidance_file"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("database_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("guidance_file", "")
	v.SetDefault("trust_forwarded_for", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("vault.secret", "")
	v.SetDefault("upstream.default_cluster", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("vault.active_version", 1)
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.retry_attempts", 3)
	v.SetDefault("upstream.session_ttl", 20*time.Minute)
	v.SetDefault("policy.cache_ttl", 30*time.Second)
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.kafka_topic", "fabricgate.audit")
	v.SetDefault("directory.scheduler_enabled", true)
	v.SetDefault("directory.poll_interval", time.Minute)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("rate_limit.per_second", 20)
}

// New returns a viper instance wired for env overrides and defaults.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional YAML file at path, applies env overrides and decodes the result.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if brokers := v.GetString("audit.kafka_brokers"); len(cfg.Audit.KafkaBrokers) == 0 && brokers != "" {
		cfg.Audit.KafkaBrokers = splitList(brokers)
	}
	if origins := v.GetString("allowed_origins"); len(cfg.AllowedOrigins) == 0 && origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that have no usable default.
func (c Config) Validate() error {
	var errs []error
	if c.Upstream.RetryAttempts < 1 {
		errs = append(errs, errors.New("upstream.retry_attempts must be at least 1"))
	}
	if c.Audit.QueueSize < 1 {
		errs = append(errs, errors.New("audit.queue_size must be at least 1"))
	}
	if c.Vault.ActiveVersion < 1 || c.Vault.ActiveVersion > 255 {
		errs = append(errs, errors.New("vault.active_version must be between 1 and 255"))
	}
	for i, d := range c.Descriptors {
		if strings.TrimSpace(d.Namespace) == "" || strings.TrimSpace(d.Path) == "" {
			errs = append(errs, fmt.Errorf("descriptors[%d]: namespace and path are required", i))
		}
	}
	return errors.Join(errs...)
}

// Sources converts the configured descriptors for the registry loader.
func (c Config) Sources() []registry.Source {
	out := make([]registry.Source, 0, len(c.Descriptors))
	for _, d := range c.Descriptors {
		out = append(out, registry.Source{Namespace: d.Namespace, BasePath: d.BasePath, Path: d.Path})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
