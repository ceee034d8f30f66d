// Package sensorclass maps snapshot attributes onto Home Assistant sensor
// properties.
package sensorclass

import (
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/naming"
)

const (
	UnitVolt         = "V"
	UnitAmpere       = "A"
	UnitWatt         = "W"
	UnitHertz        = "Hz"
	UnitKilowattHour = "kWh"
	UnitDBm          = "dBm"

	DeviceClassTimestamp      = "timestamp"
	DeviceClassVoltage        = "voltage"
	DeviceClassCurrent        = "current"
	DeviceClassPower          = "power"
	DeviceClassFrequency      = "frequency"
	DeviceClassEnergy         = "energy"
	DeviceClassSignalStrength = "signal_strength"

	StateClassMeasurement     = "measurement"
	StateClassTotalIncreasing = "total_increasing"
)

// Class holds the sensor properties of one attribute. Empty fields are omitted
// from discovery payloads.
type Class struct {
	Unit        string
	DeviceClass string
	StateClass  string
}

var classes = map[string]Class{
	model.AttrUpdateTime:      {DeviceClass: DeviceClassTimestamp},
	model.AttrServerTime:      {DeviceClass: DeviceClassTimestamp},
	model.AttrPanelVoltage:    {UnitVolt, DeviceClassVoltage, StateClassMeasurement},
	model.AttrPanelCurrent:    {UnitAmpere, DeviceClassCurrent, StateClassMeasurement},
	model.AttrPanelPower:      {UnitWatt, DeviceClassPower, StateClassMeasurement},
	model.AttrVoltage:         {UnitVolt, DeviceClassVoltage, StateClassMeasurement},
	model.AttrCurrent:         {UnitAmpere, DeviceClassCurrent, StateClassMeasurement},
	model.AttrFrequency:       {UnitHertz, DeviceClassFrequency, StateClassMeasurement},
	model.AttrPower:           {UnitWatt, DeviceClassPower, StateClassMeasurement},
	model.AttrEnergyToday:     {UnitKilowattHour, DeviceClassEnergy, StateClassTotalIncreasing},
	model.AttrEnergyThisMonth: {UnitKilowattHour, DeviceClassEnergy, StateClassTotalIncreasing},
	model.AttrEnergyThisYear:  {UnitKilowattHour, DeviceClassEnergy, StateClassTotalIncreasing},
	model.AttrEnergyTotal:     {UnitKilowattHour, DeviceClassEnergy, StateClassTotalIncreasing},
	model.AttrStrengthSignal:  {UnitDBm, DeviceClassSignalStrength, StateClassMeasurement},
}

// Lookup returns the sensor class of attr. Per-channel attributes such as
// PV1_Panel_Power inherit the class of their base attribute. ok is false
// when attr is not a sensor (ID, Phase, Alias and unknown names).
func Lookup(attr string) (Class, bool) {
	c, found := classes[attr]
	if !found {
		if base, isChannel := naming.ChannelBase(attr); isChannel {
			c = classes[base]
		}
	}
	if IsTimestamp(attr) {
		c.DeviceClass = DeviceClassTimestamp
		return c, true
	}
	if c.Unit == "" && c.DeviceClass == "" {
		return Class{}, false
	}
	return c, true
}

func IsTimestamp(attr string) bool {
	return attr == model.AttrUpdateTime || attr == model.AttrServerTime
}

// PeakPower is the class of the peak power sensor.
func PeakPower() Class {
	return classes[model.AttrPower]
}
