// Package aggregate folds device snapshots into plant totals and keeps the
// daily peak-power statistic.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"saj_portal/scraper-go/internal/model"
)

const panelPowerSuffix = "_" + model.AttrPanelPower

// ParseNumber parses a portal number, accepting a comma decimal separator.
func ParseNumber(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", "."))
}

// roundPeak rounds v to two decimals without going above v, so a peak never
// exceeds the reading it was taken from.
func roundPeak(v float64) float64 {
	d := decimal.NewFromFloat(v)
	if r := d.Round(2).InexactFloat64(); r <= v {
		return r
	}
	return d.RoundFloor(2).InexactFloat64()
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// Plant sums the summable attributes of every snapshot and keeps the latest
// Update_time and Server_Time. Unparsable values are skipped with a warning.
func Plant(log zerolog.Logger, snapshots map[string]model.Snapshot) model.PlantSnapshot {
	serials := make([]string, 0, len(snapshots))
	for sn := range snapshots {
		serials = append(serials, sn)
	}
	sort.Strings(serials)

	var (
		plant            model.PlantSnapshot
		update, server   latest
		power, energyDay decimal.Decimal
		month, year      decimal.Decimal
		total, panel     decimal.Decimal
	)

	for _, sn := range serials {
		snap := snapshots[sn]
		if len(snap) == 0 {
			continue
		}
		alias := snap.Alias()
		if alias == "" {
			alias = sn
		}

		for attr, raw := range snap {
			var target *decimal.Decimal
			switch {
			case attr == model.AttrPower:
				target = &power
			case attr == model.AttrEnergyToday:
				target = &energyDay
			case attr == model.AttrEnergyThisMonth:
				target = &month
			case attr == model.AttrEnergyThisYear:
				target = &year
			case attr == model.AttrEnergyTotal:
				target = &total
			case strings.HasSuffix(attr, panelPowerSuffix):
				target = &panel
			case attr == model.AttrUpdateTime:
				update.observe(log, raw, attr, alias)
				continue
			case attr == model.AttrServerTime:
				server.observe(log, raw, attr, alias)
				continue
			default:
				continue
			}

			v, err := ParseNumber(raw)
			if err != nil {
				log.Warn().Str("device", alias).Str("attribute", attr).Str("value", raw).Msg("could not convert value for summing, skipping")
				continue
			}
			*target = target.Add(v)
		}
	}

	plant.Power = round2(power)
	plant.EnergyToday = round2(energyDay)
	plant.EnergyThisMonth = round2(month)
	plant.EnergyThisYear = round2(year)
	plant.EnergyTotal = round2(total)
	plant.PanelPower = round2(panel)
	plant.UpdateTime = update.value()
	plant.ServerTime = server.value()
	return plant
}

// latest tracks the greatest parsed timestamp. An unparsable value is kept
// only while nothing else has been recorded.
type latest struct {
	raw    string
	at     time.Time
	parsed bool
}

func (l *latest) observe(log zerolog.Logger, raw, attr, alias string) {
	if raw == "" {
		return
	}
	t, err := time.Parse(model.UTCLayout, raw)
	if err != nil {
		log.Warn().Str("device", alias).Str("attribute", attr).Str("value", raw).Msg("could not parse timestamp for comparison")
		if l.raw == "" {
			l.raw = raw
		}
		return
	}
	if !l.parsed || t.After(l.at) {
		l.raw, l.at, l.parsed = raw, t, true
	}
}

func (l *latest) value() *string {
	if l.raw == "" {
		return nil
	}
	v := l.raw
	return &v
}

// UpdatePeak resets st when it does not belong to today and then raises it
// to current when current is greater. The stored peak is current rounded to
// two decimals and never above it. changed reports whether st differs from
// what was passed in.
func UpdatePeak(current *float64, st model.PeakState, today model.Date) (next model.PeakState, changed bool) {
	next = st
	if next.ResetDate.IsZero() || next.ResetDate != today {
		next = model.PeakState{Watts: 0, ResetDate: today}
		changed = true
	}
	if current != nil && *current > next.Watts {
		next.Watts = roundPeak(*current)
		changed = true
	}
	return next, changed
}
