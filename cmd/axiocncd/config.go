package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"
)

// PortConfig is one serial port's process configuration: which dialect it
// speaks and at what baud rate (spec.md §3's Controller identity).
type PortConfig struct {
	Family string `koanf:"family" yaml:"family"`
	Baud   int    `koanf:"baud" yaml:"baud"`
}

// Config is axiocncd's process configuration (spec.md §6: "--port, --host,
// --config, --watch-directory, --verbose"), layered the way the teacher's
// multiserver layers its own YAML config: struct defaults, then an optional
// file on disk, overridden last by any flags the user actually passed.
type Config struct {
	Host             string                `koanf:"host" yaml:"host"`
	Port             int                   `koanf:"port" yaml:"port"`
	DataDir          string                `koanf:"dataDir" yaml:"dataDir"`
	WatchDirectories []string              `koanf:"watchDirectories" yaml:"watchDirectories"`
	// WatchPort is the port a file dropped into a watch directory is loaded
	// onto (spec.md §4.13/§6): watch folders carry no port identity of
	// their own, so one default target is configured for all of them.
	WatchPort string                `koanf:"watchPort" yaml:"watchPort"`
	Verbose   bool                  `koanf:"verbose" yaml:"verbose"`
	Ports     map[string]PortConfig `koanf:"ports" yaml:"ports"`
}

// defaultConfig mirrors the teacher's pattern of seeding koanf from a zero
// Config{} populated with sane defaults before any file is loaded.
func defaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		DataDir: ".",
	}
}

func newKoanf() *koanf.Koanf { return koanf.New(".") }

var k = newKoanf()

// loadConfig layers defaultConfig() under configPath's contents, if the
// file exists. A missing file is not an error — axiocncd runs on defaults
// alone, same as multiserver.
func loadConfig(configPath string) (Config, error) {
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("axiocncd: loading config defaults: %w", err)
	}
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, fmt.Errorf("axiocncd: loading %s: %w", configPath, err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("axiocncd: unmarshaling config: %w", err)
	}
	return c, nil
}

// writeDefaultConfig writes defaultConfig() to path, for the mkconf verb.
func writeDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("axiocncd: creating %s: %w", path, err)
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(defaultConfig())
}

// printConfig writes the effective, already-loaded configuration as YAML to
// stdout, for the conf verb.
func printConfig(c Config) error {
	return yml.NewEncoder(os.Stdout).Encode(c)
}
