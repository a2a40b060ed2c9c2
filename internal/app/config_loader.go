package app

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yourusername/convertmaster-go/internal/domain"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "CONVERTMASTER"

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.convertmaster")
		v.AddConfigPath("/etc/convertmaster")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnv registers every config key for environment overrides.
// AutomaticEnv alone only applies to keys viper already knows from a file.
func bindEnv(v *viper.Viper) {
	for _, key := range configKeys(settingsMap(reflect.ValueOf(*domain.DefaultConfig())), "") {
		_ = v.BindEnv(key)
	}
}

// configKeys returns the dotted leaf keys of a settings map, sorted
func configKeys(settings map[string]interface{}, prefix string) []string {
	var keys []string
	for key, value := range settings {
		if nested, ok := value.(map[string]interface{}); ok {
			keys = append(keys, configKeys(nested, prefix+key+".")...)
			continue
		}
		keys = append(keys, prefix+key)
	}
	sort.Strings(keys)
	return keys
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Orchestrator.DefaultOutputDir = expandPath(config.Orchestrator.DefaultOutputDir)
	config.Backend.CookieFile = expandPath(config.Backend.CookieFile)
	config.Backend.TransferLogDir = expandPath(config.Backend.TransferLogDir)
	config.Storage.DatabasePath = expandPath(config.Storage.DatabasePath)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Orchestrator.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}

	if config.Orchestrator.HistoryLimit < 0 {
		return fmt.Errorf("history limit cannot be negative")
	}

	if config.Orchestrator.HistoryMaxAge < 0 {
		return fmt.Errorf("history max age cannot be negative")
	}

	if config.Backend.YTDLPBinary == "" {
		return fmt.Errorf("yt-dlp binary not configured")
	}

	if config.Backend.AudioCodec == "" {
		config.Backend.AudioCodec = "mp3"
	}

	if config.Storage.Enabled && config.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database path not configured")
	}

	if config.Auth.Enabled && len(config.Auth.Tokens) == 0 {
		return fmt.Errorf("auth enabled but no tokens configured")
	}

	if config.Redis.Enabled && config.Redis.Addr == "" {
		return fmt.Errorf("redis enabled but no address configured")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range settingsMap(reflect.ValueOf(*config)) {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// settingsMap flattens a config struct into nested maps keyed by mapstructure tags
// so that a saved file can be loaded again.
func settingsMap(rv reflect.Value) map[string]interface{} {
	out := make(map[string]interface{})
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		field := rv.Field(i)
		switch value := field.Interface().(type) {
		case time.Duration:
			out[key] = value.String()
		default:
			if field.Kind() == reflect.Struct {
				out[key] = settingsMap(field)
			} else {
				out[key] = value
			}
		}
	}
	return out
}
