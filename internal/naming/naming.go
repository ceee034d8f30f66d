// Package naming derives entity names and identifiers from snapshot
// attribute names.
package naming

import (
	"strings"
	"unicode"
)

// Title turns an attribute name into a display name: underscores become
// spaces and every word starts upper case with the rest lower case, so
// "Energy_This_Month" is "Energy This Month" and "PV1_Panel_Power" is
// "Pv1 Panel Power".
func Title(attr string) string {
	var b strings.Builder
	b.Grow(len(attr))
	prevLetter := false
	for _, r := range strings.ReplaceAll(attr, "_", " ") {
		if unicode.IsLetter(r) {
			if prevLetter {
				r = unicode.ToLower(r)
			} else {
				r = unicode.ToUpper(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

var slugReplacer = strings.NewReplacer(" ", "_", "-", "_", ".", "_")

// Slug lowercases attr and replaces spaces, dashes and dots with underscores.
func Slug(attr string) string {
	return slugReplacer.Replace(strings.ToLower(strings.TrimSpace(attr)))
}

// DeviceUniqueID is the entity id of a per-inverter attribute.
func DeviceUniqueID(serial, attr string) string {
	return "saj_" + serial + "_" + Slug(attr)
}

// PlantUniqueID is the entity id of an aggregated plant attribute.
func PlantUniqueID(attr string) string {
	return "saj_plant_" + Slug(attr)
}

// ChannelBase splits a per-channel attribute such as "PV2_Panel_Power" into
// its base attribute "Panel_Power". ok is false for anything else.
func ChannelBase(attr string) (base string, ok bool) {
	if !strings.HasPrefix(attr, "PV") {
		return "", false
	}
	_, base, found := strings.Cut(attr, "_")
	if !found || base == "" {
		return "", false
	}
	return base, true
}
