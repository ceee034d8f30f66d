package naming

import "testing"

func TestTitle(t *testing.T) {
	cases := map[string]string{
		"Energy_This_Month": "Energy This Month",
		"Update_time":       "Update Time",
		"PV1_Panel_Power":   "Pv1 Panel Power",
		"Strength_Signal":   "Strength Signal",
		"ID":                "Id",
	}
	for in, want := range cases {
		if got := Title(in); got != want {
			t.Fatalf("Title(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSlug(t *testing.T) {
	if got := Slug("PV1_Panel-Power.x y"); got != "pv1_panel_power_x_y" {
		t.Fatalf("expected normalized slug, got %q", got)
	}
}

func TestUniqueIDs(t *testing.T) {
	if got := DeviceUniqueID("M2-001", "Energy_Today"); got != "saj_M2-001_energy_today" {
		t.Fatalf("unexpected device id %q", got)
	}
	if got := PlantUniqueID("Panel_Power"); got != "saj_plant_panel_power" {
		t.Fatalf("unexpected plant id %q", got)
	}
}

func TestChannelBase(t *testing.T) {
	base, ok := ChannelBase("PV2_Panel_Power")
	if !ok || base != "Panel_Power" {
		t.Fatalf("expected Panel_Power, got %q ok=%v", base, ok)
	}
	if _, ok := ChannelBase("Power"); ok {
		t.Fatalf("expected non-channel attribute to be rejected")
	}
	if _, ok := ChannelBase("PV1"); ok {
		t.Fatalf("expected attribute without base to be rejected")
	}
}
