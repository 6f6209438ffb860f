package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_OverrideWins(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	overrides := map[string]string{"HOME": "/srv/bot"}

	resolved := Resolve(base, overrides)

	assert.Contains(t, resolved, "PATH=/usr/bin")
	assert.Contains(t, resolved, "HOME=/srv/bot")
	assert.NotContains(t, resolved, "HOME=/root")
}

func TestResolve_KeepsAllBaseKeys(t *testing.T) {
	base := []string{"A=1", "B=2", "C=3"}

	resolved := Resolve(base, map[string]string{"D": "4"})

	assert.ElementsMatch(t, []string{"A=1", "B=2", "C=3", "D=4"}, resolved)
}

func TestResolve_EmptyInputs(t *testing.T) {
	assert.Empty(t, Resolve(nil, nil))
	assert.Equal(t, []string{"K=V"}, Resolve(nil, map[string]string{"K": "V"}))
	assert.Equal(t, []string{"K=V"}, Resolve([]string{"K=V"}, nil))
}

func TestResolve_ValueContainingEquals(t *testing.T) {
	resolved := Resolve([]string{"TOKEN=a=b=c"}, nil)
	assert.Equal(t, []string{"TOKEN=a=b=c"}, resolved)
}

func TestResolve_MalformedBaseEntriesSkipped(t *testing.T) {
	resolved := Resolve([]string{"NOEQUALS", "=empty-key", "OK=1"}, nil)
	assert.Equal(t, []string{"OK=1"}, resolved)
}

func TestResolve_Deterministic(t *testing.T) {
	base := []string{"B=2", "A=1"}
	overrides := map[string]string{"C": "3"}

	first := Resolve(base, overrides)
	second := Resolve(base, overrides)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, first)
}
