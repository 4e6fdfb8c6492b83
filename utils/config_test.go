package utils

import (
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.MaxConcurrentDownloads != 1 {
		t.Errorf("MaxConcurrentDownloads = %d, want 1", cfg.MaxConcurrentDownloads)
	}
	if cfg.DatabaseDriver != "sqlite3" {
		t.Errorf("DatabaseDriver = %q", cfg.DatabaseDriver)
	}
	if cfg.SpeedSampleWindow != 10*time.Second {
		t.Errorf("SpeedSampleWindow = %v", cfg.SpeedSampleWindow)
	}
	if cfg.NotificationsEnabled() {
		t.Errorf("notifications should be disabled without a token")
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	cfg, err := ConfigFromEnv(envMap(map[string]string{
		"MAX_CONCURRENT_DOWNLOADS": "3",
		"SPEED_SAMPLE_WINDOW":      "5s",
		"TELEGRAM_BOT_TOKEN":       "token",
		"NOTIFY_CHAT_IDS":          "10, 20,",
		"VERBOSE_EVENTS":           "1",
		"ARCHIVE_URL_TEMPLATE":     "https://cdn.test/games/%d.zip",
	}))
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.MaxConcurrentDownloads != 3 {
		t.Errorf("MaxConcurrentDownloads = %d", cfg.MaxConcurrentDownloads)
	}
	if cfg.SpeedSampleWindow != 5*time.Second {
		t.Errorf("SpeedSampleWindow = %v", cfg.SpeedSampleWindow)
	}
	if len(cfg.NotifyChatIDs) != 2 || cfg.NotifyChatIDs[1] != 20 {
		t.Errorf("NotifyChatIDs = %v", cfg.NotifyChatIDs)
	}
	if !cfg.NotificationsEnabled() || !cfg.VerboseEvents {
		t.Errorf("expected notifications and verbose events enabled")
	}
}

func TestConfigFromEnvRejectsBadValues(t *testing.T) {
	tests := []map[string]string{
		{"MAX_CONCURRENT_DOWNLOADS": "0"},
		{"MAX_CONCURRENT_DOWNLOADS": "many"},
		{"SPEED_SAMPLE_CAPACITY": "1"},
		{"SPEED_SAMPLE_WINDOW": "-1s"},
		{"DATABASE_DRIVER": "postgres"},
		{"DATABASE_DRIVER": "mysql"},
		{"NOTIFY_CHAT_IDS": "abc"},
		{"ARCHIVE_URL_TEMPLATE": "https://cdn.test/game.zip"},
	}
	for _, env := range tests {
		if _, err := ConfigFromEnv(envMap(env)); err == nil {
			t.Errorf("expected error for %v", env)
		}
	}
}
