package model

import (
	"fmt"
	"strings"
	"time"
)

// Attribute names as they appear in snapshots and published payloads.
const (
	AttrID              = "ID"
	AttrUpdateTime      = "Update_time"
	AttrServerTime      = "Server_Time"
	AttrPanelChannel    = "Panel_Channel"
	AttrPanelVoltage    = "Panel_Voltage"
	AttrPanelCurrent    = "Panel_Current"
	AttrPanelPower      = "Panel_Power"
	AttrPhase           = "Phase"
	AttrVoltage         = "Voltage"
	AttrCurrent         = "Current"
	AttrFrequency       = "Frequency"
	AttrPower           = "Power"
	AttrEnergyToday     = "Energy_Today"
	AttrEnergyThisMonth = "Energy_This_Month"
	AttrEnergyThisYear  = "Energy_This_Year"
	AttrEnergyTotal     = "Energy_Total"
	AttrStrengthSignal  = "Strength_Signal"
	AttrAlias           = "Alias"
)

// UTCLayout is the normalized timestamp format. It sorts lexicographically in
// chronological order.
const UTCLayout = "2006-01-02T15:04:05Z"

type Device struct {
	Serial string
	Alias  string
}

// Snapshot is the latest attribute set read for one device.
type Snapshot map[string]string

func (s Snapshot) UpdateTime() string {
	return s[AttrUpdateTime]
}

func (s Snapshot) Alias() string {
	return s[AttrAlias]
}

// HasValidUpdateTime reports whether Update_time is a normalized UTC value.
func (s Snapshot) HasValidUpdateTime() bool {
	return IsUTCStamp(s[AttrUpdateTime])
}

func IsUTCStamp(v string) bool {
	return v != "" && strings.Contains(v, "Z")
}

// PlantSnapshot is the fold of all device snapshots of one cycle.
type PlantSnapshot struct {
	Power           float64 `json:"Power"`
	EnergyToday     float64 `json:"Energy_Today"`
	EnergyThisMonth float64 `json:"Energy_This_Month"`
	EnergyThisYear  float64 `json:"Energy_This_Year"`
	EnergyTotal     float64 `json:"Energy_Total"`
	PanelPower      float64 `json:"Panel_Power"`
	UpdateTime      *string `json:"Update_time"`
	ServerTime      *string `json:"Server_Time"`
}

// PlantAttributes lists the published plant attributes in payload order.
var PlantAttributes = []string{
	AttrPower,
	AttrEnergyToday,
	AttrEnergyThisMonth,
	AttrEnergyThisYear,
	AttrEnergyTotal,
	AttrPanelPower,
	AttrUpdateTime,
	AttrServerTime,
}

// Date is a calendar date without zone. The zero value means "absent".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight of d in loc.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// PeakState is today's peak plant power and the date it belongs to.
type PeakState struct {
	Watts     float64
	ResetDate Date
}
