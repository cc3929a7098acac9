// Package config resolves the process configuration once at start-up from an
// optional YAML file and STEVEDORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/stevedore/internal/resource"
)

const envPrefix = "STEVEDORE"

// Backend and store names accepted in configuration.
const (
	BackendECS        = "ecs"
	BackendKubernetes = "kubernetes"

	// BackendFake is the in-memory test backend. Its resources live only as
	// long as the process, so it is for local testing: a CLI command cannot
	// see resources launched by an earlier invocation.
	BackendFake = "fake"

	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	LogLevel   string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// Backend names the compute backend new launches go to. "fake" is for
	// testing only.
	Backend string      `mapstructure:"backend" validate:"oneof=ecs kubernetes fake"`
	Store   StoreConfig `mapstructure:"store"`

	// ContainerName is the container that runs the work unit's command.
	ContainerName string `mapstructure:"container_name" validate:"required"`

	// PinnedDefinition is a task definition family, family:revision or ARN
	// used verbatim for every run instead of a reconciled definition.
	PinnedDefinition string `mapstructure:"pinned_definition"`

	// BaseContextFile is a YAML container context merged under every unit's
	// own context.
	BaseContextFile string `mapstructure:"base_context_file"`

	ECS        ECSConfig        `mapstructure:"ecs"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Retry      RetryConfig      `mapstructure:"retry"`

	TraceExporter string `mapstructure:"trace_exporter" validate:"oneof=none stdout"`
}

// StoreConfig selects and configures the correlation and event store.
type StoreConfig struct {
	Driver        string `mapstructure:"driver" validate:"oneof=sqlite redis"`
	DBPath        string `mapstructure:"db_path" validate:"required_if=Driver sqlite"`
	RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"min=0"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// ECSConfig configures the ECS backend. Empty network fields are discovered
// from the task the process itself runs in.
type ECSConfig struct {
	Region           string   `mapstructure:"region"`
	Cluster          string   `mapstructure:"cluster"`
	Subnets          []string `mapstructure:"subnets"`
	SecurityGroups   []string `mapstructure:"security_groups"`
	AssignPublicIP   string   `mapstructure:"assign_public_ip" validate:"omitempty,oneof=ENABLED DISABLED"`
	LaunchType       string   `mapstructure:"launch_type" validate:"oneof=FARGATE EC2"`
	ExecutionRoleARN string   `mapstructure:"execution_role_arn"`
	TaskRoleARN      string   `mapstructure:"task_role_arn"`

	// IncludeSidecars copies the launcher task's other containers into
	// newly registered task definitions.
	IncludeSidecars bool `mapstructure:"include_sidecars"`

	// MetadataURI overrides ECS_CONTAINER_METADATA_URI_V4.
	MetadataURI string `mapstructure:"metadata_uri" validate:"omitempty,url"`
}

// KubernetesConfig configures the Kubernetes backend.
type KubernetesConfig struct {
	Namespace  string `mapstructure:"namespace"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	InCluster  bool   `mapstructure:"in_cluster"`

	// TTLSecondsAfterFinished lets the cluster delete finished jobs.
	TTLSecondsAfterFinished int32 `mapstructure:"ttl_seconds_after_finished" validate:"min=0"`
}

// RetryConfig bounds retries of transient backend errors.
type RetryConfig struct {
	MaxTries        uint          `mapstructure:"max_tries" validate:"min=1,max=20"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend", BackendECS)
	v.SetDefault("container_name", resource.DefaultContainerName)
	v.SetDefault("pinned_definition", "")
	v.SetDefault("base_context_file", "")
	v.SetDefault("trace_exporter", "none")

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.db_path", "stevedore.db")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "stevedore")

	v.SetDefault("ecs.region", "")
	v.SetDefault("ecs.cluster", "")
	v.SetDefault("ecs.subnets", []string{})
	v.SetDefault("ecs.security_groups", []string{})
	v.SetDefault("ecs.assign_public_ip", "")
	v.SetDefault("ecs.launch_type", "FARGATE")
	v.SetDefault("ecs.execution_role_arn", "")
	v.SetDefault("ecs.task_role_arn", "")
	v.SetDefault("ecs.include_sidecars", false)
	v.SetDefault("ecs.metadata_uri", "")

	v.SetDefault("kubernetes.namespace", "")
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.in_cluster", false)
	v.SetDefault("kubernetes.ttl_seconds_after_finished", 0)

	v.SetDefault("retry.max_tries", 4)
	v.SetDefault("retry.initial_interval", 250*time.Millisecond)
	v.SetDefault("retry.max_interval", 5*time.Second)
}

// Load reads configuration from the YAML file at path, when path is not
// empty, and from STEVEDORE_* environment variables, which win. Nested keys
// map to environment variables with dots replaced by underscores, for
// example STEVEDORE_ECS_SUBNETS=subnet-a,subnet-b.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	return parseLogLevel(c.LogLevel)
}

// BaseContext reads the launcher-level container context from
// BaseContextFile. It is empty when no file is configured.
func (c Config) BaseContext() (resource.ContainerContext, error) {
	var cc resource.ContainerContext
	if c.BaseContextFile == "" {
		return cc, nil
	}
	if err := ReadYAML(c.BaseContextFile, &cc); err != nil {
		return resource.ContainerContext{}, err
	}
	return cc, nil
}

// ReadYAML decodes the YAML file at path into out, rejecting unknown fields.
func ReadYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
