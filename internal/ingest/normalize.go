package ingest

import "strings"

// keyReplacer maps the punctuation seen in device field names to
// snake_case-safe runes. "PM2.5 (ug/m3)" becomes pm2_5_ug_m3.
var keyReplacer = strings.NewReplacer(
	"(", "_",
	")", "",
	"/", "_",
	" ", "_",
	".", "_",
	"%", "percent",
	"*", "",
	"+", "plus",
	"-", "minus",
)

// NormalizeKey lowercases a payload field name and folds punctuation into
// underscores. Idempotent: a normalised key maps to itself.
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = keyReplacer.Replace(k)
	for strings.Contains(k, "__") {
		k = strings.ReplaceAll(k, "__", "_")
	}
	return k
}

// NormalizeKeys rewrites the top-level keys of an object payload in place
// semantics-wise but returns a fresh map. Values are untouched; nested
// objects keep their own keys. On collision the later key wins.
func NormalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[NormalizeKey(k)] = v
	}
	return out
}
