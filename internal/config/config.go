// Package config provides configuration defaults for the flasher.
// It reads settings from bouffalo-flasher.ini using multiple search
// paths; a missing file just yields the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

const fileName = "bouffalo-flasher.ini"

// Config holds the session defaults the CLI starts from. Flags given on
// the command line override every field.
type Config struct {
	Port        string
	InitialBaud int
	FlashBaud   int
	Chip        string
}

// Default returns the built-in defaults: auto-detected port, 115200
// baud bring-up, 2 MBaud flashing, BL602.
func Default() *Config {
	return &Config{
		Port:        "",
		InitialBaud: 115200,
		FlashBaud:   2000000,
		Chip:        "bl602",
	}
}

// Load reads bouffalo-flasher.ini from the first of:
// 1. Current directory
// 2. $BOUFFALO_FLASHER directory
// 3. Home directory
// Absent files are not an error; the defaults are returned.
func Load() (*Config, error) {
	cfg := Default()

	var searchPaths []string
	searchPaths = append(searchPaths, filepath.Join(".", fileName))
	if dir := os.Getenv("BOUFFALO_FLASHER"); dir != "" {
		searchPaths = append(searchPaths, filepath.Join(dir, fileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, fileName))
	}

	var iniFile *ini.File
	for _, path := range searchPaths {
		if _, statErr := os.Stat(path); statErr == nil {
			f, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			iniFile = f
			break
		}
	}
	if iniFile == nil {
		return cfg, nil
	}

	section := iniFile.Section("serial")
	cfg.Port = section.Key("port").MustString(cfg.Port)
	cfg.InitialBaud = section.Key("baud").MustInt(cfg.InitialBaud)
	cfg.FlashBaud = section.Key("flash_baud").MustInt(cfg.FlashBaud)
	cfg.Chip = iniFile.Section("chip").Key("name").MustString(cfg.Chip)

	return cfg, nil
}
