package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// OrchestratorConfig contains scheduling and history configuration
type OrchestratorConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	HistoryMaxAge     time.Duration `mapstructure:"history_max_age"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	AllowedPrefixes   []string      `mapstructure:"allowed_prefixes"`
	AllowedHosts      []string      `mapstructure:"allowed_hosts"`
	DefaultOutputDir  string        `mapstructure:"default_output_dir"`
}

// BackendConfig contains the extraction tool configuration
type BackendConfig struct {
	YTDLPBinary    string        `mapstructure:"ytdlp_binary"`
	FFmpegBinary   string        `mapstructure:"ffmpeg_binary"`
	CookieFile     string        `mapstructure:"cookie_file"`
	AudioCodec     string        `mapstructure:"audio_codec"`
	AudioBitrate   string        `mapstructure:"audio_bitrate"`
	MergeFormat    string        `mapstructure:"merge_format"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	TransferLogDir string        `mapstructure:"transfer_log_dir"`
}

// StorageConfig contains job history persistence configuration
type StorageConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DatabasePath string `mapstructure:"database_path"`
}

// AuthConfig contains API access configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Tokens  []string `mapstructure:"tokens"`
}

// RedisConfig contains event publishing configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentJobs: 1,
			HistoryLimit:      200,
			HistoryMaxAge:     7 * 24 * time.Hour,
			PruneInterval:     time.Minute,
			AllowedPrefixes:   []string{"https://youtu.be/", "https://www.youtube.com/watch"},
			DefaultOutputDir:  "$HOME/Downloads/convertmaster",
		},
		Backend: BackendConfig{
			YTDLPBinary:    "yt-dlp",
			FFmpegBinary:   "ffmpeg",
			AudioCodec:     "mp3",
			AudioBitrate:   "192k",
			MergeFormat:    "mp4",
			ProbeTimeout:   30 * time.Second,
			TransferLogDir: "$HOME/.convertmaster/logs",
		},
		Storage: StorageConfig{
			Enabled:      true,
			DatabasePath: "$HOME/.convertmaster/jobs.db",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "convertmaster:events",
			Timeout: 5 * time.Second,
		},
		Notification: NotificationConfig{
			Enabled: false,
			Sound:   true,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "$HOME/.convertmaster/logs",
		},
	}
}
