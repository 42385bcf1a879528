package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	ExecutorCommand = "command"
	ExecutorHTTP    = "http"
)

type Config struct {
	Addr        string `validate:"required"`
	DataDir     string `validate:"required"`
	BaseURL     string
	PromptsFile string `validate:"required"`

	Executor            string        `validate:"oneof=command http"`
	ExecutorCommand     string        `validate:"required_if=Executor command"`
	ExecutorEndpoint    string        `validate:"required_if=Executor http"`
	ExecutorInitTimeout time.Duration `validate:"gt=0"`
	UnitTimeout         time.Duration `validate:"gt=0"`

	RetentionTTL    time.Duration `validate:"gt=0"`
	BroadcastBuffer int           `validate:"gt=0"`
	RunRate         float64       `validate:"gt=0"`
	RunBurst        int           `validate:"gt=0"`

	NATSURL      string
	NATSSubject  string `validate:"required"`
	OTelEndpoint string

	LogLevel       string `validate:"oneof=debug info warn error"`
	LogJSON        bool
	AllowedOrigins []string
}

func defaults(v *viper.Viper) {
	v.SetDefault("addr", ":3000")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("base_url", "")
	v.SetDefault("prompts_file", "./prompts.txt")
	v.SetDefault("executor", ExecutorCommand)
	v.SetDefault("executor_command", "")
	v.SetDefault("executor_endpoint", "")
	v.SetDefault("executor_init_timeout", "30s")
	v.SetDefault("unit_timeout", "5m")
	v.SetDefault("retention_ttl", "1h")
	v.SetDefault("broadcast_buffer", 64)
	v.SetDefault("run_rate", 1.0)
	v.SetDefault("run_burst", 5)
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "promptrelay.events")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("allowed_origins", "*")
}

// Load reads configuration from PROMPTRELAY_* environment variables and, when
// PROMPTRELAY_CONFIG names one, a config file. Environment values win.
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("PROMPTRELAY")
	v.AutomaticEnv()

	if path := os.Getenv("PROMPTRELAY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Addr:                v.GetString("addr"),
		DataDir:             v.GetString("data_dir"),
		BaseURL:             strings.TrimRight(v.GetString("base_url"), "/"),
		PromptsFile:         v.GetString("prompts_file"),
		Executor:            strings.ToLower(v.GetString("executor")),
		ExecutorCommand:     v.GetString("executor_command"),
		ExecutorEndpoint:    v.GetString("executor_endpoint"),
		ExecutorInitTimeout: v.GetDuration("executor_init_timeout"),
		UnitTimeout:         v.GetDuration("unit_timeout"),
		RetentionTTL:        v.GetDuration("retention_ttl"),
		BroadcastBuffer:     v.GetInt("broadcast_buffer"),
		RunRate:             v.GetFloat64("run_rate"),
		RunBurst:            v.GetInt("run_burst"),
		NATSURL:             v.GetString("nats_url"),
		NATSSubject:         v.GetString("nats_subject"),
		OTelEndpoint:        v.GetString("otel_endpoint"),
		LogLevel:            strings.ToLower(v.GetString("log_level")),
		LogJSON:             v.GetBool("log_json"),
		AllowedOrigins:      stringList(v, "allowed_origins"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// stringList accepts either a comma separated string (env) or a list (file).
func stringList(v *viper.Viper, key string) []string {
	if raw, ok := v.Get(key).(string); ok {
		return splitCSV(raw)
	}
	return splitCSV(strings.Join(v.GetStringSlice(key), ","))
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
