package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	LogFilePath    string
	VerboseEvents  bool

	MaxConcurrentDownloads int
	SpeedSampleCapacity    int
	SpeedSampleWindow      time.Duration

	DownloadDir        string
	InstallDir         string
	ArchiveURLTemplate string
	ArchivePassword    string
	ProgressInterval   time.Duration
	LaunchCommand      string

	HistoryRetentionDays int

	TelegramBotToken     string
	NotifyChatIDs        []int64
	BotCommandsPerMinute int

	OTLPEndpoint string
	ServiceName  string
}

// LoadConfig reads .env (if present) and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}
	return ConfigFromEnv(os.Getenv)
}

// LoadConfigFile is LoadConfig with an explicit env file path.
func LoadConfigFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading %s: %w", path, err)
	}
	return ConfigFromEnv(os.Getenv)
}

func ConfigFromEnv(getenv func(string) string) (*Config, error) {
	var err error
	config := &Config{}

	config.DatabaseDriver = strings.ToLower(getenv("DATABASE_DRIVER"))
	if config.DatabaseDriver == "" {
		config.DatabaseDriver = "sqlite3"
	}
	if config.DatabaseDriver != "sqlite3" && config.DatabaseDriver != "mysql" {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", config.DatabaseDriver)
	}

	config.DatabasePath = getenv("DATABASE_PATH")
	if config.DatabasePath == "" {
		config.DatabasePath = "data/downloads.db"
	}

	config.DatabaseDSN = getenv("DATABASE_DSN")
	if config.DatabaseDriver == "mysql" && config.DatabaseDSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN is required for mysql")
	}

	config.LogLevel = getenv("LOG_LEVEL")
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	config.LogFilePath = getenv("LOG_FILE_PATH")
	if config.LogFilePath == "" {
		config.LogFilePath = "logs/coordinator.log"
	}

	config.VerboseEvents = getenv("VERBOSE_EVENTS") == "1"

	if config.MaxConcurrentDownloads, err = intFromEnv(getenv, "MAX_CONCURRENT_DOWNLOADS", 1); err != nil {
		return nil, err
	}
	if config.MaxConcurrentDownloads < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1")
	}

	if config.SpeedSampleCapacity, err = intFromEnv(getenv, "SPEED_SAMPLE_CAPACITY", 10); err != nil {
		return nil, err
	}
	if config.SpeedSampleCapacity < 2 {
		return nil, fmt.Errorf("SPEED_SAMPLE_CAPACITY must be at least 2")
	}

	if config.SpeedSampleWindow, err = durationFromEnv(getenv, "SPEED_SAMPLE_WINDOW", 10*time.Second); err != nil {
		return nil, err
	}

	config.DownloadDir = getenv("DOWNLOAD_DIR")
	if config.DownloadDir == "" {
		config.DownloadDir = "data/downloads"
	}

	config.InstallDir = getenv("INSTALL_DIR")
	if config.InstallDir == "" {
		config.InstallDir = "data/games"
	}

	config.ArchiveURLTemplate = getenv("ARCHIVE_URL_TEMPLATE")
	if config.ArchiveURLTemplate != "" && !strings.Contains(config.ArchiveURLTemplate, "%d") {
		return nil, fmt.Errorf("ARCHIVE_URL_TEMPLATE must contain %%d for the game id")
	}
	config.ArchivePassword = getenv("ARCHIVE_PASSWORD")

	if config.ProgressInterval, err = durationFromEnv(getenv, "PROGRESS_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}

	config.LaunchCommand = getenv("LAUNCH_COMMAND")

	if config.HistoryRetentionDays, err = intFromEnv(getenv, "HISTORY_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}

	config.TelegramBotToken = getenv("TELEGRAM_BOT_TOKEN")
	if ids := getenv("NOTIFY_CHAT_IDS"); ids != "" {
		for _, idStr := range strings.Split(ids, ",") {
			idStr = strings.TrimSpace(idStr)
			if idStr == "" {
				continue
			}
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid chat ID '%s': %w", idStr, err)
			}
			config.NotifyChatIDs = append(config.NotifyChatIDs, id)
		}
	}

	if config.BotCommandsPerMinute, err = intFromEnv(getenv, "BOT_COMMANDS_PER_MINUTE", 20); err != nil {
		return nil, err
	}

	config.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	config.ServiceName = getenv("OTEL_SERVICE_NAME")
	if config.ServiceName == "" {
		config.ServiceName = "game-download-coordinator"
	}

	return config, nil
}

// NotificationsEnabled reports whether a bot token and at least one chat are configured.
func (c *Config) NotificationsEnabled() bool {
	return c.TelegramBotToken != "" && len(c.NotifyChatIDs) > 0
}

// DatabaseTarget is the path or DSN handed to the configured driver.
func (c *Config) DatabaseTarget() string {
	if c.DatabaseDriver == "mysql" {
		return c.DatabaseDSN
	}
	return c.DatabasePath
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

func intFromEnv(getenv func(string) string, key string, def int) (int, error) {
	s := getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationFromEnv(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	s := getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}
