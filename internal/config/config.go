package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"saj_portal/scraper-go/internal/model"
)

const (
	DefaultOptionsFile             = "/data/options.json"
	DefaultBaseURL                 = "https://iop.saj-electric.com"
	DefaultUpdateInterval          = 240 * time.Second
	DefaultDataInactivityThreshold = 1800 * time.Second
	DefaultExtendedInterval        = 3600 * time.Second
	DefaultInactivityStart         = "21:00"
	DefaultInactivityEnd           = "05:30"
	DefaultStateFile               = "/data/peak_power_state.json"
	DefaultDebugDir                = "/data"
	DefaultHTTPAddr                = ":8099"
	DefaultMQTTPort                = 1883
)

// options mirrors the add-on options file. JSON is read through the YAML
// decoder, which accepts it as a subset.
type options struct {
	Username                string  `yaml:"saj_username"`
	Password                string  `yaml:"saj_password"`
	Microinverters          string  `yaml:"microinverters"`
	BaseURL                 string  `yaml:"base_saj_url"`
	UpdateInterval          flexInt `yaml:"update_interval_seconds"`
	DataInactivityThreshold flexInt `yaml:"data_inactivity_threshold_seconds"`
	ExtendedInterval        flexInt `yaml:"extended_update_interval_seconds"`
	InactivityEnabled       *bool   `yaml:"inactivity_enabled"`
	InactivityStart         string  `yaml:"inactivity_start_time"`
	InactivityEnd           string  `yaml:"inactivity_end_time"`
	LogLevel                string  `yaml:"log_level"`
	LogFile                 string  `yaml:"log_file"`
	MQTTHost                string  `yaml:"mqtt_host"`
	MQTTPort                flexInt `yaml:"mqtt_port"`
	MQTTUsername            string  `yaml:"mqtt_username"`
	MQTTPassword            string  `yaml:"mqtt_password"`
	UpdateTimeZone          string  `yaml:"update_time_zone"`
	ServerTimeZone          string  `yaml:"server_time_zone"`
	StateFile               string  `yaml:"state_file"`
	DebugDir                string  `yaml:"debug_dir"`
	ChromePath              string  `yaml:"chrome_path"`
	HTTPAddr                string  `yaml:"http_addr"`
	DatabaseURL             string  `yaml:"database_url"`
	MaxRows                 flexInt `yaml:"max_rows"`
}

type MQTT struct {
	Host     string
	Port     int
	Username string
	Password string
}

type Inactivity struct {
	Enabled bool
	Start   string
	End     string
}

type Config struct {
	Username string
	Password string
	Devices  []model.Device
	BaseURL  string

	UpdateInterval          time.Duration
	DataInactivityThreshold time.Duration
	ExtendedInterval        time.Duration
	Inactivity              Inactivity

	LogLevel string
	LogFile  string
	MQTT     MQTT

	UpdateTimeZone *time.Location
	ServerTimeZone *time.Location

	StateFile   string
	DebugDir    string
	ChromePath  string
	HTTPAddr    string
	DatabaseURL string
	MaxRows     int
	Version     string

	// Warnings collects non-fatal problems found while loading. They are
	// logged once the logger exists.
	Warnings []string
}

var ErrNoDevices = errors.New("no valid microinverters configured")

// Load reads the options file at path and applies defaults and environment
// fallbacks. getenv is usually os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read options %s: %w", path, err)
	}
	var opts options
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return Config{}, fmt.Errorf("parse options %s: %w", path, err)
	}
	return build(opts, getenv)
}

func build(opts options, getenv func(string) string) (Config, error) {
	cfg := Config{
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		BaseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		LogLevel: firstNonEmpty(opts.LogLevel, getenv("LOG_LEVEL"), "info"),
		LogFile:  strings.TrimSpace(opts.LogFile),
		Version:  envOr(getenv, "VERSION", "unknown"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Username == "" {
		cfg.Warnings = append(cfg.Warnings, "saj_username missing in options")
	}
	if cfg.Password == "" {
		cfg.Warnings = append(cfg.Warnings, "saj_password missing in options")
	}

	devices, skipped, err := ParseDevices(opts.Microinverters)
	if err != nil {
		return Config{}, err
	}
	for _, s := range skipped {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("skipping malformed microinverter entry %q", s))
	}
	cfg.Devices = devices

	cfg.UpdateInterval = opts.UpdateInterval.seconds("update_interval_seconds", DefaultUpdateInterval, &cfg.Warnings)
	cfg.DataInactivityThreshold = opts.DataInactivityThreshold.seconds("data_inactivity_threshold_seconds", DefaultDataInactivityThreshold, &cfg.Warnings)
	cfg.ExtendedInterval = opts.ExtendedInterval.seconds("extended_update_interval_seconds", DefaultExtendedInterval, &cfg.Warnings)

	cfg.Inactivity = Inactivity{
		Enabled: true,
		Start:   firstNonEmpty(opts.InactivityStart, DefaultInactivityStart),
		End:     firstNonEmpty(opts.InactivityEnd, DefaultInactivityEnd),
	}
	if opts.InactivityEnabled != nil {
		cfg.Inactivity.Enabled = *opts.InactivityEnabled
	}

	cfg.MQTT = mqttConfig(opts, getenv, &cfg.Warnings)

	cfg.UpdateTimeZone = loadZone(firstNonEmpty(opts.UpdateTimeZone, getenv("TZ"), "UTC"), &cfg.Warnings)
	cfg.ServerTimeZone = loadZone(firstNonEmpty(opts.ServerTimeZone, "UTC"), &cfg.Warnings)

	cfg.StateFile = firstNonEmpty(opts.StateFile, DefaultStateFile)
	cfg.DebugDir = firstNonEmpty(opts.DebugDir, DefaultDebugDir)
	cfg.ChromePath = strings.TrimSpace(opts.ChromePath)
	cfg.HTTPAddr = firstNonEmpty(opts.HTTPAddr, getenv("HTTP_ADDR"), DefaultHTTPAddr)
	cfg.DatabaseURL = firstNonEmpty(opts.DatabaseURL, getenv("DATABASE_URL"))

	cfg.MaxRows = 1
	if opts.MaxRows.set && opts.MaxRows.value > 0 {
		cfg.MaxRows = opts.MaxRows.value
	}

	return cfg, nil
}

// ParseDevices parses "SN1:Alias1,SN2:Alias2". Entries that are not exactly
// one serial and one alias are returned in skipped. A duplicate serial or an
// empty result is an error.
func ParseDevices(s string) (devices []model.Device, skipped []string, err error) {
	seen := make(map[string]struct{})
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			skipped = append(skipped, pair)
			continue
		}
		serial := strings.TrimSpace(parts[0])
		alias := strings.TrimSpace(parts[1])
		if serial == "" {
			skipped = append(skipped, pair)
			continue
		}
		if alias == "" {
			alias = serial
		}
		if _, ok := seen[serial]; ok {
			return nil, skipped, fmt.Errorf("duplicate microinverter serial %q", serial)
		}
		seen[serial] = struct{}{}
		devices = append(devices, model.Device{Serial: serial, Alias: alias})
	}
	if len(devices) == 0 {
		return nil, skipped, ErrNoDevices
	}
	return devices, skipped, nil
}

func mqttConfig(opts options, getenv func(string) string, warnings *[]string) MQTT {
	m := MQTT{
		Host:     strings.TrimSpace(opts.MQTTHost),
		Username: opts.MQTTUsername,
		Password: opts.MQTTPassword,
	}
	port := opts.MQTTPort
	if m.Host == "" {
		// Supervisor service discovery
		m.Host = strings.TrimSpace(getenv("MQTT_BROKER"))
		m.Username = getenv("MQTT_USERNAME")
		m.Password = getenv("MQTT_PASSWORD")
		port = flexInt{}
		if raw := strings.TrimSpace(getenv("MQTT_PORT")); raw != "" {
			port = parseFlexInt(raw)
		}
	}
	if m.Host == "" {
		*warnings = append(*warnings, "mqtt host not configured and MQTT_BROKER unset")
	}
	m.Port = DefaultMQTTPort
	if port.invalid != "" {
		*warnings = append(*warnings, fmt.Sprintf("invalid mqtt port %q, using %d", port.invalid, DefaultMQTTPort))
	} else if port.set && port.value > 0 {
		m.Port = port.value
	}
	return m
}

func loadZone(name string, warnings *[]string) *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("time zone %q not found, falling back to UTC", name))
		return time.UTC
	}
	return loc
}

func envOr(getenv func(string) string, key, fallback string) string {
	v := getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// flexInt accepts integers and numeric strings. Anything else is remembered
// as invalid so the caller can fall back to a default.
type flexInt struct {
	value   int
	set     bool
	invalid string
}

func (f *flexInt) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		f.invalid = fmt.Sprintf("<%s>", n.Tag)
		return nil
	}
	*f = parseFlexInt(n.Value)
	return nil
}

func parseFlexInt(raw string) flexInt {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.Atoi(raw); err == nil {
		return flexInt{value: v, set: true}
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return flexInt{value: int(v), set: true}
	}
	return flexInt{invalid: raw}
}

func (f flexInt) seconds(name string, fallback time.Duration, warnings *[]string) time.Duration {
	switch {
	case f.invalid != "":
		*warnings = append(*warnings, fmt.Sprintf("invalid value %q for %s, using default %s", f.invalid, name, fallback))
		return fallback
	case !f.set:
		return fallback
	case f.value <= 0:
		*warnings = append(*warnings, fmt.Sprintf("non-positive %s=%d, using default %s", name, f.value, fallback))
		return fallback
	default:
		return time.Duration(f.value) * time.Second
	}
}
