package env

import (
	"sort"
	"strings"
)

// Resolve merges a base environment (KEY=VALUE entries, normally
// os.Environ()) with a unit's persisted overrides. Overrides win on key
// collision. The result is sorted by key so repeated resolutions of the
// same inputs are identical.
func Resolve(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))

	for _, entry := range base {
		key, value, ok := splitEntry(entry)
		if !ok {
			continue
		}
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

func splitEntry(entry string) (string, string, bool) {
	i := strings.Index(entry, "=")
	if i <= 0 {
		return "", "", false
	}
	return entry[:i], entry[i+1:], true
}
