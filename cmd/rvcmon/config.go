package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
}

type reassemblyConfig struct {
	MaxAge     time.Duration `yaml:"maxAge"`
	MaxPending int           `yaml:"maxPending"`
}

type serialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baudRate"`
	BitRate  string `yaml:"bitRate"`
}

type mqttConfig struct {
	Broker        string `yaml:"broker"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TLS           bool   `yaml:"tls"`
	ClientID      string `yaml:"clientID"`
	TopicPrefix   string `yaml:"topicPrefix"`
	BusID         string `yaml:"busID"`
	EventFormat   string `yaml:"eventFormat"`
	PublishEvents bool   `yaml:"publishEvents"`
}

type config struct {
	Catalog          string           `yaml:"catalog"`
	IncludeUnmatched bool             `yaml:"includeUnmatched"`
	HiddenSources    []string         `yaml:"hiddenSources"`
	QueueSize        int              `yaml:"queueSize"`
	StatsInterval    time.Duration    `yaml:"statsInterval"`
	Reassembly       reassemblyConfig `yaml:"reassembly"`
	Serial           serialConfig     `yaml:"serial"`
	MQTT             mqttConfig       `yaml:"mqtt"`
	Logs             logConfig        `yaml:"logs"`

	hidden []uint8 // HiddenSources, parsed by validate
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}

	cfg.Catalog = resolvePath(cfg.Catalog)
	if cfg.Catalog == "" {
		cfg.Catalog = resolvePath("rvc.json")
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.MQTT.BusID == "" {
		cfg.MQTT.BusID = "coach"
	}
	cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	if cfg.Logs.Level == "" {
		cfg.Logs.Level = "info"
	}
	if cfg.Logs.Format == "" {
		cfg.Logs.Format = "text"
	}
	return cfg, cfg.validate()
}

func (cfg *config) validate() error {
	if cfg.Serial.Port == "" && cfg.MQTT.Broker == "" {
		return errors.New("no transport configured: set serial.port or mqtt.broker")
	}
	if _, err := parseLevel(cfg.Logs.Level); err != nil {
		return err
	}
	switch cfg.Logs.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logs.format %q: want text or json", cfg.Logs.Format)
	}
	hidden, err := parseAddresses(cfg.HiddenSources)
	if err != nil {
		return fmt.Errorf("hiddenSources: %w", err)
	}
	cfg.hidden = hidden
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("logs.level: %w", err)
	}
	return level, nil
}

// parseAddresses parses two-digit hex source addresses, with or without 0x.
func parseAddresses(list []string) ([]uint8, error) {
	out := make([]uint8, 0, len(list))
	for i, s := range list {
		s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
		v, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("[%d] %q: not a source address", i, list[i])
		}
		out = append(out, uint8(v))
	}
	return out, nil
}
