package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeRulesFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRulesEmptyPathDisabled(t *testing.T) {
	r := NewRules("", zerolog.Nop())
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Watch(context.Background()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if fields := r.RequiredFields("MQTT_RT_DATA"); fields != nil {
		t.Fatalf("expected no rules, got %v", fields)
	}
}

func TestRulesMissingFileIsNotFatal(t *testing.T) {
	r := NewRules(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())
	if err := r.Load(); err != nil {
		t.Fatalf("missing file must not fail startup: %v", err)
	}
}

func TestRulesLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	writeRulesFile(t, path, `{"MQTT_RT_DATA": ["va", "vb"], "MQTT_ENY_NOW": ["eptotal"]}`)

	r := NewRules(path, zerolog.Nop())
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	fields := r.RequiredFields("MQTT_RT_DATA")
	if len(fields) != 2 || fields[0] != "va" || fields[1] != "vb" {
		t.Fatalf("RequiredFields = %v", fields)
	}
	if fields := r.RequiredFields("UNKNOWN"); fields != nil {
		t.Fatalf("unconfigured topic returned %v", fields)
	}
}

func TestRulesLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	writeRulesFile(t, path, `{"MQTT_RT_DATA": "not an array"`)

	r := NewRules(path, zerolog.Nop())
	if err := r.Load(); err == nil {
		t.Fatal("malformed rules at startup must fail loudly")
	}
}

func TestRulesHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRulesFile(t, path, `{"MQTT_RT_DATA": ["va"]}`)

	r := NewRules(path, zerolog.Nop())
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	writeRulesFile(t, path, `{"MQTT_RT_DATA": ["va", "isend"]}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if fields := r.RequiredFields("MQTT_RT_DATA"); len(fields) == 2 && r.Reloads() > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("rules never reloaded (reloads=%d), still %v",
				r.Reloads(), r.RequiredFields("MQTT_RT_DATA"))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRulesMalformedReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRulesFile(t, path, `{"MQTT_RT_DATA": ["va"]}`)

	r := NewRules(path, zerolog.Nop())
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	writeRulesFile(t, path, `garbage`)

	// Debounce is 500ms; give the reload attempt time to run, then confirm
	// the previous rules are still being served.
	time.Sleep(1200 * time.Millisecond)
	fields := r.RequiredFields("MQTT_RT_DATA")
	if len(fields) != 1 || fields[0] != "va" {
		t.Fatalf("previous rules lost after bad reload: %v", fields)
	}
}

func TestParseRules(t *testing.T) {
	rs, err := parseRules([]byte(`{}`))
	if err != nil || len(rs) != 0 {
		t.Fatalf("got %v, %v", rs, err)
	}
	if _, err := parseRules([]byte(`[]`)); err == nil {
		t.Fatal("array at top level must be rejected")
	}
	rs, err = parseRules([]byte(`null`))
	if err != nil {
		t.Fatalf("null document: %v", err)
	}
	if rs == nil {
		t.Fatal("null document must yield an empty rule set")
	}
}
