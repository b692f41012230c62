package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const defaultConfigPath = "~/.config/photrack/config.json"

// App holds user-editable settings for the tool itself. Per-run
// reduction parameters live in Reduce files, not here.
type App struct {
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	Server  Server  `json:"server"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default data locations. Relative run directories
// resolve under DataDir; an empty DatabasePath disables persistence.
type Paths struct {
	DataDir      string `json:"data_dir"`
	DatabasePath string `json:"database_path"`
}

// Server configures the optional HTTP monitor.
type Server struct {
	Bind string `json:"bind"`
}

// Load reads tool configuration from disk, falling back to sensible
// defaults when no file exists.
func Load() (*App, error) {
	cfg := defaultApp()

	configPath := os.Getenv("PHOTRACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := ExpandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultApp() *App {
	return &App{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DataDir: ".",
		},
		Server: Server{
			Bind: ":8080",
		},
	}
}

// ExpandUser resolves a leading ~ to the user's home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
