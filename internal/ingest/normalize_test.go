package ingest

import "testing"

func TestNormalizeKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Va", "va"},
		{"  Uab ", "uab"},
		{"PM2.5 (ug/m3)", "pm2_5_ug_m3"},
		{"PM10 (ug/m3)", "pm10_ug_m3"},
		{"Humidity (%)", "humidity_percent"},
		{"Temperature (C)", "temperature_c"},
		{"U+", "uplus"},
		{"U-", "uminus"},
		{"Noise*", "noise"},
		{"a  b", "a_b"},
		{"already_normal", "already_normal"},
	}
	for _, c := range cases {
		if got := NormalizeKey(c.in); got != c.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeKeyIdempotent(t *testing.T) {
	inputs := []string{
		"PM2.5 (ug/m3)", "Humidity (%)", "U+", "Va", "a b/c.d", "x__y",
	}
	for _, in := range inputs {
		once := NormalizeKey(in)
		if twice := NormalizeKey(once); twice != once {
			t.Errorf("NormalizeKey(%q): %q renormalises to %q", in, once, twice)
		}
	}
}

func TestNormalizeKeys(t *testing.T) {
	in := map[string]any{
		"Va":            228.5,
		"PM2.5 (ug/m3)": 12.1,
		"nested":        map[string]any{"Keep Me": 1},
	}
	out := NormalizeKeys(in)

	if out["va"] != 228.5 || out["pm2_5_ug_m3"] != 12.1 {
		t.Fatalf("unexpected keys: %#v", out)
	}
	// Nested objects keep their own keys.
	nested := out["nested"].(map[string]any)
	if _, ok := nested["Keep Me"]; !ok {
		t.Fatalf("nested keys must not be rewritten: %#v", nested)
	}
	// Input map is left alone.
	if _, ok := in["Va"]; !ok {
		t.Fatal("input map was mutated")
	}
}
