package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"rainfall-scorer/internal/common"
	"rainfall-scorer/internal/ml"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ModelPath        string
	MeanPath         string
	ScalePath        string
	Backend          string
	InferenceURL     string
	InferenceTimeout time.Duration
	Unit             string
	DataPath         string
	OutputDir        string
	HTTPPort         int
	MetricsNamespace string
	LogLevel         string
	KafkaBrokers     []string
	KafkaTopic       string
}

type ConfigFile struct {
	Model struct {
		Path      string `yaml:"path"`
		MeanPath  string `yaml:"meanPath"`
		ScalePath string `yaml:"scalePath"`
		Unit      string `yaml:"unit"`
	} `yaml:"model"`

	Inference struct {
		Backend string `yaml:"backend"`
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"inference"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	System struct {
		DataPath         string `yaml:"dataPath"`
		OutputDir        string `yaml:"outputDir"`
		HTTPPort         int    `yaml:"httpPort"`
		MetricsNamespace string `yaml:"metricsNamespace"`
		LogLevel         string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Load reads a .env file when present, then the YAML file named by CONFIG_FILE, or the
// environment alone. Environment variables always win over YAML values.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to read .env file: %w", err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

// Model returns the files the adapter loads at startup.
func (s *Settings) Model() ml.ModelDescriptor {
	return ml.ModelDescriptor{ModelPath: s.ModelPath, MeanPath: s.MeanPath, ScalePath: s.ScalePath}
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	timeout := orDefault(config.Inference.Timeout, common.DefaultInferenceTimeout)
	settings := Settings{
		ModelPath:        getEnvOrDefault(common.EnvModelPath, orDefault(config.Model.Path, common.DefaultModelPath)),
		MeanPath:         getEnvOrDefault(common.EnvMeanPath, orDefault(config.Model.MeanPath, common.DefaultMeanPath)),
		ScalePath:        getEnvOrDefault(common.EnvScalePath, orDefault(config.Model.ScalePath, common.DefaultScalePath)),
		Backend:          getEnvOrDefault(common.EnvBackend, orDefault(config.Inference.Backend, common.DefaultBackend)),
		InferenceURL:     getEnvOrDefault(common.EnvInferenceURL, orDefault(config.Inference.URL, common.DefaultInferenceURL)),
		InferenceTimeout: getDurationOrDefault(common.EnvInferenceTimeout, mustDuration(timeout)),
		Unit:             getEnvOrDefault(common.EnvUnit, orDefault(config.Model.Unit, common.DefaultUnit)),
		DataPath:         getEnvOrDefault(common.EnvDataPath, orDefault(config.System.DataPath, common.DefaultDataPath)),
		OutputDir:        getEnvOrDefault(common.EnvOutputDir, orDefault(config.System.OutputDir, common.DefaultOutputDir)),
		HTTPPort:         getIntFromEnvOrConfig(common.EnvHTTPPort, config.System.HTTPPort, common.DefaultHTTPPort),
		MetricsNamespace: getEnvOrDefault(common.EnvMetricsNamespace, orDefault(config.System.MetricsNamespace, common.DefaultMetricsNamespace)),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		KafkaBrokers:     getListFromEnvOrConfig(common.EnvKafkaBrokers, config.Kafka.Brokers),
		KafkaTopic:       getEnvOrDefault(common.EnvKafkaTopic, orDefault(config.Kafka.Topic, common.DefaultKafkaTopic)),
	}
	if _, err := time.ParseDuration(timeout); err != nil {
		return Settings{}, fmt.Errorf("invalid inference timeout %q: %w", timeout, err)
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ModelPath:        getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		MeanPath:         getEnvOrDefault(common.EnvMeanPath, common.DefaultMeanPath),
		ScalePath:        getEnvOrDefault(common.EnvScalePath, common.DefaultScalePath),
		Backend:          getEnvOrDefault(common.EnvBackend, common.DefaultBackend),
		InferenceURL:     getEnvOrDefault(common.EnvInferenceURL, common.DefaultInferenceURL),
		InferenceTimeout: getDurationOrDefault(common.EnvInferenceTimeout, mustDuration(common.DefaultInferenceTimeout)),
		Unit:             getEnvOrDefault(common.EnvUnit, common.DefaultUnit),
		DataPath:         getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		OutputDir:        getEnvOrDefault(common.EnvOutputDir, common.DefaultOutputDir),
		HTTPPort:         getIntOrDefault(common.EnvHTTPPort, common.DefaultHTTPPort),
		MetricsNamespace: getEnvOrDefault(common.EnvMetricsNamespace, common.DefaultMetricsNamespace),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		KafkaBrokers:     splitOrDefault(os.Getenv(common.EnvKafkaBrokers), nil),
		KafkaTopic:       getEnvOrDefault(common.EnvKafkaTopic, common.DefaultKafkaTopic),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func mustDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getListFromEnvOrConfig(key string, configValue []string) []string {
	if env := os.Getenv(key); env != "" {
		return splitOrDefault(env, nil)
	}
	return configValue
}

// validateSettings checks ranges and cross-field requirements
func validateSettings(settings *Settings) error {
	if settings.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if settings.MeanPath == "" || settings.ScalePath == "" {
		return fmt.Errorf("scaler mean and scale paths are required")
	}

	switch settings.Backend {
	case common.BackendPython:
	case common.BackendHTTP:
		if settings.InferenceURL == "" {
			return fmt.Errorf("inference URL is required for the %s backend", common.BackendHTTP)
		}
	default:
		return fmt.Errorf("inference backend must be %q or %q, got %q", common.BackendPython, common.BackendHTTP, settings.Backend)
	}

	if settings.InferenceTimeout < 100*time.Millisecond || settings.InferenceTimeout > 5*time.Minute {
		return fmt.Errorf("inference timeout must be between 100ms and 5m, got %v", settings.InferenceTimeout)
	}
	if len(settings.Unit) > common.MaxUnitLen {
		return fmt.Errorf("prediction unit must be at most %d characters, got %q", common.MaxUnitLen, settings.Unit)
	}
	if settings.HTTPPort < common.MinHTTPPort || settings.HTTPPort > common.MaxHTTPPort {
		return fmt.Errorf("HTTP port must be between %d and %d, got %d", common.MinHTTPPort, common.MaxHTTPPort, settings.HTTPPort)
	}
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}
	if len(settings.KafkaBrokers) > 0 && settings.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are configured")
	}

	return nil
}
