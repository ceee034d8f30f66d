// Package publish announces and publishes plant and inverter state to an MQTT
// broker using Home Assistant discovery.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/metrics"
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/naming"
	"saj_portal/scraper-go/internal/sensorclass"
)

const (
	BaseTopic         = "saj_portal_scraper"
	AvailabilityTopic = BaseTopic + "/bridge/state"
	PlantStateTopic   = BaseTopic + "/plant/state"
	PeakStateTopic    = BaseTopic + "/plant/peak_power_today"
	DiscoveryPrefix   = "homeassistant"

	PayloadOnline  = "online"
	PayloadOffline = "offline"

	PlantDeviceName = "SAJ Solar Plant"
	PlantIdentifier = BaseTopic + "_plant_aggregator"
	PeakPowerName   = "Peak Power Today"
	PeakPowerID     = "saj_plant_peak_power_today"
)

const (
	peakPowerIcon = "mdi:weather-sunny-alert"
	manufacturer  = "SAJ"
	plantModel    = "Aggregated Plant Data"
	inverterModel = "Microinverter SAJ M2"
)

// All messages are sent at least once.
const qos byte = 1

var ErrNotConnected = errors.New("mqtt client not connected")

// Client is the subset of mqtt.Client used for publishing.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

func DeviceStateTopic(serial string) string {
	return BaseTopic + "/" + serial + "/state"
}

func DiscoveryTopic(uniqueID string) string {
	return DiscoveryPrefix + "/sensor/" + uniqueID + "/config"
}

type Options struct {
	// Version is reported as sw_version of every announced device.
	Version        string
	PublishTimeout time.Duration
}

type MQTT struct {
	log     zerolog.Logger
	client  Client
	version string
	timeout time.Duration
	metrics *metrics.Metrics

	mu         sync.Mutex
	discovered map[string]struct{}
}

func New(log zerolog.Logger, client Client, opts Options, m *metrics.Metrics) *MQTT {
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTT{
		log:        log,
		client:     client,
		version:    opts.Version,
		timeout:    timeout,
		metrics:    m,
		discovered: make(map[string]struct{}),
	}
}

type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

type discovery struct {
	Name                   string     `json:"name"`
	UniqueID               string     `json:"unique_id"`
	StateTopic             string     `json:"state_topic"`
	ValueTemplate          string     `json:"value_template"`
	Device                 deviceInfo `json:"device"`
	AvailabilityTopic      string     `json:"availability_topic"`
	PayloadAvailable       string     `json:"payload_available"`
	PayloadNotAvailable    string     `json:"payload_not_available"`
	UnitOfMeasurement      string     `json:"unit_of_measurement,omitempty"`
	DeviceClass            string     `json:"device_class,omitempty"`
	StateClass             string     `json:"state_class,omitempty"`
	Icon                   string     `json:"icon,omitempty"`
	JSONAttributesTopic    string     `json:"json_attributes_topic"`
	JSONAttributesTemplate string     `json:"json_attributes_template"`
}

type peakPayload struct {
	Value         float64 `json:"value"`
	LastResetDate *string `json:"last_reset_date"`
}

// Announce publishes retained discovery configs for every sensor of devices,
// the plant and the peak sensor. Entities announced earlier by this publisher
// are skipped, so calling Announce again only fills in what failed or is new.
func (p *MQTT) Announce(ctx context.Context, devices map[string]model.Snapshot, _ model.PlantSnapshot, _ model.PeakState) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	plantDevice := deviceInfo{
		Identifiers:  []string{PlantIdentifier},
		Name:         PlantDeviceName,
		Manufacturer: manufacturer,
		Model:        plantModel,
		SWVersion:    p.version,
	}

	var errs []error
	for _, serial := range sortedKeys(devices) {
		snap := devices[serial]
		alias := snap.Alias()
		if alias == "" {
			alias = serial
		}
		dev := deviceInfo{
			Identifiers:  []string{BaseTopic + "_" + serial},
			Name:         alias,
			Manufacturer: manufacturer,
			Model:        inverterModel,
			SWVersion:    p.version,
			ViaDevice:    PlantIdentifier,
			SerialNumber: serial,
		}
		stateTopic := DeviceStateTopic(serial)
		for _, attr := range sortedKeys(snap) {
			if attr == model.AttrAlias {
				continue
			}
			if err := p.announceSensor(ctx, naming.DeviceUniqueID(serial, attr), attr, stateTopic, dev); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, attr := range model.PlantAttributes {
		if err := p.announceSensor(ctx, naming.PlantUniqueID(attr), attr, PlantStateTopic, plantDevice); err != nil {
			errs = append(errs, err)
		}
	}

	if !p.isDiscovered(PeakPowerID) {
		class := sensorclass.PeakPower()
		cfg := discovery{
			Name:                   PeakPowerName,
			UniqueID:               PeakPowerID,
			StateTopic:             PeakStateTopic,
			ValueTemplate:          "{{ value_json.value | default(0) }}",
			Device:                 plantDevice,
			AvailabilityTopic:      AvailabilityTopic,
			PayloadAvailable:       PayloadOnline,
			PayloadNotAvailable:    PayloadOffline,
			UnitOfMeasurement:      class.Unit,
			DeviceClass:            class.DeviceClass,
			StateClass:             class.StateClass,
			Icon:                   peakPowerIcon,
			JSONAttributesTopic:    PeakStateTopic,
			JSONAttributesTemplate: "{{ {'last_reset_date': value_json.last_reset_date} | tojson if value_json is mapping else None }}",
		}
		if err := p.publishDiscovery(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *MQTT) announceSensor(ctx context.Context, uniqueID, attr, stateTopic string, dev deviceInfo) error {
	if p.isDiscovered(uniqueID) {
		return nil
	}
	class, ok := sensorclass.Lookup(attr)
	if !ok {
		return nil
	}
	return p.publishDiscovery(ctx, discovery{
		Name:                   naming.Title(attr),
		UniqueID:               uniqueID,
		StateTopic:             stateTopic,
		ValueTemplate:          fmt.Sprintf("{{ value_json.%s | default('unknown') }}", attr),
		Device:                 dev,
		AvailabilityTopic:      AvailabilityTopic,
		PayloadAvailable:       PayloadOnline,
		PayloadNotAvailable:    PayloadOffline,
		UnitOfMeasurement:      class.Unit,
		DeviceClass:            class.DeviceClass,
		StateClass:             class.StateClass,
		JSONAttributesTopic:    stateTopic,
		JSONAttributesTemplate: "{{ value_json | tojson }}",
	})
}

func (p *MQTT) publishDiscovery(ctx context.Context, cfg discovery) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal discovery %s: %w", cfg.UniqueID, err)
	}
	err = p.publish(ctx, DiscoveryTopic(cfg.UniqueID), true, payload)
	p.metrics.IncPublish("discovery", err)
	if err != nil {
		p.log.Error().Err(err).Str("unique_id", cfg.UniqueID).Msg("failed to publish discovery")
		return fmt.Errorf("discovery %s: %w", cfg.UniqueID, err)
	}
	p.mu.Lock()
	p.discovered[cfg.UniqueID] = struct{}{}
	p.mu.Unlock()
	p.log.Debug().Str("unique_id", cfg.UniqueID).Msg("published discovery")
	return nil
}

func (p *MQTT) isDiscovered(uniqueID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.discovered[uniqueID]
	return ok
}

// Publish sends the state of every device, the plant and the peak sensor.
// Device and plant states are not retained; the peak state is.
func (p *MQTT) Publish(ctx context.Context, devices map[string]model.Snapshot, plant model.PlantSnapshot, peak model.PeakState) error {
	if !p.client.IsConnected() {
		p.metrics.IncPublish("state", ErrNotConnected)
		return ErrNotConnected
	}

	var errs []error
	for _, serial := range sortedKeys(devices) {
		snap := devices[serial]
		p.log.Debug().Str("serial", serial).Str("update_time", snap.UpdateTime()).Str("server_time", snap[model.AttrServerTime]).Msg("publishing device state")
		if err := p.publishJSON(ctx, DeviceStateTopic(serial), false, snap); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", serial, err))
		}
	}

	if err := p.publishJSON(ctx, PlantStateTopic, false, plant); err != nil {
		errs = append(errs, fmt.Errorf("plant: %w", err))
	}

	pp := peakPayload{Value: peak.Watts}
	if !peak.ResetDate.IsZero() {
		d := peak.ResetDate.String()
		pp.LastResetDate = &d
	}
	if err := p.publishJSON(ctx, PeakStateTopic, true, pp); err != nil {
		errs = append(errs, fmt.Errorf("peak power: %w", err))
	}

	return errors.Join(errs...)
}

func (p *MQTT) publishJSON(ctx context.Context, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = p.publish(ctx, topic, retained, payload)
	p.metrics.IncPublish("state", err)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("failed to publish state")
	}
	return err
}

// SetAvailability publishes the retained bridge availability.
func (p *MQTT) SetAvailability(ctx context.Context, online bool) error {
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	err := p.publish(ctx, AvailabilityTopic, true, []byte(payload))
	p.metrics.IncPublish("availability", err)
	return err
}

func (p *MQTT) Close() {
	p.client.Disconnect(250)
}

func (p *MQTT) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	tok := p.client.Publish(topic, qos, retained, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish %s: no acknowledgement after %s", topic, p.timeout)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
