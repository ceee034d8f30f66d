package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeOptions(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "options.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write options: %v", err)
	}
	return p
}

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestLoad_DefaultsAndDevices(t *testing.T) {
	p := writeOptions(t, `{
		"saj_username": "user@example.com",
		"saj_password": "secret",
		"microinverters": "SN1:Roof East, SN2:Roof West"
	}`)

	cfg, err := Load(p, env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1].Serial != "SN2" || cfg.Devices[1].Alias != "Roof West" {
		t.Fatalf("unexpected devices: %#v", cfg.Devices)
	}
	if cfg.UpdateInterval != DefaultUpdateInterval || cfg.ExtendedInterval != DefaultExtendedInterval {
		t.Fatalf("expected default intervals, got %s/%s", cfg.UpdateInterval, cfg.ExtendedInterval)
	}
	if !cfg.Inactivity.Enabled || cfg.Inactivity.Start != "21:00" || cfg.Inactivity.End != "05:30" {
		t.Fatalf("unexpected inactivity defaults: %#v", cfg.Inactivity)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", cfg.BaseURL)
	}
	if cfg.HTTPAddr != DefaultHTTPAddr || cfg.MaxRows != 1 {
		t.Fatalf("unexpected http addr %q / max rows %d", cfg.HTTPAddr, cfg.MaxRows)
	}
	if cfg.ServerTimeZone != time.UTC {
		t.Fatalf("expected server zone UTC, got %v", cfg.ServerTimeZone)
	}
}

func TestLoad_NumericStringsAndInvalidValues(t *testing.T) {
	p := writeOptions(t, `{
		"saj_username": "u", "saj_password": "p",
		"microinverters": "SN1:A",
		"update_interval_seconds": "120",
		"data_inactivity_threshold_seconds": "soon",
		"extended_update_interval_seconds": -5,
		"inactivity_enabled": false,
		"base_saj_url": "https://eop.saj-electric.com/"
	}`)

	cfg, err := Load(p, env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpdateInterval != 120*time.Second {
		t.Fatalf("expected 120s, got %s", cfg.UpdateInterval)
	}
	if cfg.DataInactivityThreshold != DefaultDataInactivityThreshold {
		t.Fatalf("expected default threshold, got %s", cfg.DataInactivityThreshold)
	}
	if cfg.ExtendedInterval != DefaultExtendedInterval {
		t.Fatalf("expected default extended interval, got %s", cfg.ExtendedInterval)
	}
	if cfg.Inactivity.Enabled {
		t.Fatalf("expected inactivity disabled")
	}
	if cfg.BaseURL != "https://eop.saj-electric.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if len(cfg.Warnings) < 2 {
		t.Fatalf("expected warnings for invalid values, got %v", cfg.Warnings)
	}
}

func TestLoad_MQTTFallsBackToSupervisorEnv(t *testing.T) {
	p := writeOptions(t, `{"microinverters": "SN1:A"}`)

	cfg, err := Load(p, env(map[string]string{
		"MQTT_BROKER":   "core-mosquitto",
		"MQTT_PORT":     "1884",
		"MQTT_USERNAME": "addons",
		"MQTT_PASSWORD": "pw",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.Host != "core-mosquitto" || cfg.MQTT.Port != 1884 || cfg.MQTT.Username != "addons" {
		t.Fatalf("unexpected mqtt config: %#v", cfg.MQTT)
	}
}

func TestLoad_MQTTOptionsWin(t *testing.T) {
	p := writeOptions(t, `{"microinverters": "SN1:A", "mqtt_host": "broker.lan", "mqtt_port": "abc"}`)

	cfg, err := Load(p, env(map[string]string{"MQTT_BROKER": "core-mosquitto"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.Host != "broker.lan" || cfg.MQTT.Port != DefaultMQTTPort {
		t.Fatalf("unexpected mqtt config: %#v", cfg.MQTT)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), env(nil)); err == nil {
		t.Fatalf("expected error for missing options file")
	}
}

func TestParseDevices(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		want     int
		skipped  int
		wantErr  error
		dupError bool
	}{
		{name: "two", in: "SN1:A,SN2:B", want: 2},
		{name: "malformed skipped", in: "SN1:A,garbage,SN3:C:D", want: 1, skipped: 2},
		{name: "empty alias uses serial", in: "SN1:", want: 1},
		{name: "empty", in: " , ", wantErr: ErrNoDevices},
		{name: "duplicate", in: "SN1:A,SN1:B", dupError: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			devices, skipped, err := ParseDevices(tc.in)
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			case tc.dupError:
				if err == nil || !strings.Contains(err.Error(), "duplicate") {
					t.Fatalf("expected duplicate error, got %v", err)
				}
				return
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}
			if len(devices) != tc.want || len(skipped) != tc.skipped {
				t.Fatalf("expected %d devices/%d skipped, got %d/%d", tc.want, tc.skipped, len(devices), len(skipped))
			}
		})
	}
}

func TestParseDevices_EmptyAliasFallsBackToSerial(t *testing.T) {
	devices, _, err := ParseDevices("SN9:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if devices[0].Alias != "SN9" {
		t.Fatalf("expected alias SN9, got %q", devices[0].Alias)
	}
}
