package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	tests := []struct {
		name         string
		yaml         string
		wantPort     int
		wantHost     string
		wantOfficial string
		wantErr      bool
	}{
		{
			name:         "empty document uses defaults",
			yaml:         "",
			wantPort:     DefaultPort,
			wantHost:     DefaultHost,
			wantOfficial: DefaultOfficialBaseURL,
		},
		{
			name: "custom port",
			yaml: `
port: 40000
`,
			wantPort:     40000,
			wantHost:     DefaultHost,
			wantOfficial: DefaultOfficialBaseURL,
		},
		{
			name: "official base url trailing slash trimmed",
			yaml: `
official-base-url: https://api.example.com/
`,
			wantPort:     DefaultPort,
			wantHost:     DefaultHost,
			wantOfficial: "https://api.example.com",
		},
		{
			name: "invalid yaml",
			yaml: `
port: [31299
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CCSWITCH_PORT", "")
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := LoadConfig(configPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cfg.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", cfg.Port, tt.wantPort)
			}
			if cfg.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.OfficialBaseURL != tt.wantOfficial {
				t.Errorf("OfficialBaseURL = %q, want %q", cfg.OfficialBaseURL, tt.wantOfficial)
			}
		})
	}
}

func TestLoadConfigOptional_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	if _, err := LoadConfigOptional(missing, false); err == nil {
		t.Fatal("expected error for missing required config")
	}

	cfg, err := LoadConfigOptional(missing, true)
	if err != nil {
		t.Fatalf("optional load failed: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want default %d", cfg.Port, DefaultPort)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	settings := filepath.Join(t.TempDir(), "s.json")
	t.Setenv("CCSWITCH_PORT", "41000")
	t.Setenv("CCSWITCH_SETTINGS", settings)
	t.Setenv("CCSWITCH_LOG_LEVEL", "debug")

	cfg, err := LoadConfigOptional("", true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.Port != 41000 {
		t.Errorf("Port = %d, want 41000", cfg.Port)
	}
	if cfg.SettingsFile != settings {
		t.Errorf("SettingsFile = %q, want %q", cfg.SettingsFile, settings)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		wantErr bool
	}{
		{"loopback v4", "127.0.0.1", 31299, false},
		{"localhost", "localhost", 31299, false},
		{"loopback v6", "::1", 31299, false},
		{"wildcard rejected", "0.0.0.0", 31299, true},
		{"port out of range", "127.0.0.1", 70000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Host: tt.host, Port: tt.port}
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.IsMetricsEnabled() {
		t.Error("metrics should default to enabled")
	}
	if !cfg.Interceptor.IsWatchEnabled() {
		t.Error("watch should default to enabled")
	}
	if got := cfg.Interceptor.RefreshInterval(); got != 30*time.Second {
		t.Errorf("RefreshInterval = %v, want 30s", got)
	}
	if cfg.Supervisor.ExitLine != "/exit\r" {
		t.Errorf("ExitLine = %q", cfg.Supervisor.ExitLine)
	}
	if got := cfg.ProxyBaseURL(); got != "http://127.0.0.1:31299" {
		t.Errorf("ProxyBaseURL = %q", got)
	}
}
