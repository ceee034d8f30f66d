package sqlcgen

import "time"

type PeakPowerState struct {
	PeakPowerToday float64
	LastResetDate  *time.Time
	UpdatedAt      time.Time
}
