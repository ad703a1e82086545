package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// ClientConfig holds settings of the device-side sync agent
type ClientConfig struct {
	ServerURL string
	Token     string
	DataDir   string
	LogLevel  string
	Policy    string
}

// LoadClient reads device settings from environment variables.
// Every value may be overridden by command line flags, so nothing is required here.
func LoadClient() *ClientConfig {
	// Try to load .env file (optional)
	godotenv.Load()

	cfg := &ClientConfig{
		ServerURL: os.Getenv("JANGJI_SERVER_URL"),
		Token:     os.Getenv("JANGJI_TOKEN"),
		DataDir:   os.Getenv("JANGJI_DATA_DIR"),
		LogLevel:  os.Getenv("LOG_LEVEL"),
		Policy:    os.Getenv("SYNC_POLICY"),
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8080"
	}
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".jangji")
		} else {
			cfg.DataDir = ".jangji"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	if cfg.Policy == "" {
		cfg.Policy = "lww"
	}

	return cfg
}
