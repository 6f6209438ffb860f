package registry

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/bothive/bothive/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RegistryMockLogger is a simple mock implementation of Logger for testing
type RegistryMockLogger struct{}

func (m *RegistryMockLogger) Debugf(format string, args ...interface{}) {}
func (m *RegistryMockLogger) Infof(format string, args ...interface{})  {}
func (m *RegistryMockLogger) Warnf(format string, args ...interface{})  {}
func (m *RegistryMockLogger) Errorf(format string, args ...interface{}) {}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "units.yaml")
	store, err := Open(path, &RegistryMockLogger{})
	require.NoError(t, err)
	return store, path
}

func TestOpen_EmptyOnFirstRun(t *testing.T) {
	store, _ := openTestStore(t)
	assert.Empty(t, store.List())
}

func TestRegister_NewAndExisting(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Register("echo-bot"))
	assert.Equal(t, []string{"echo-bot"}, store.List())

	// Existing units keep their env on re-registration
	require.NoError(t, store.SetEnvVar("echo-bot", "TOKEN", "abc"))
	require.NoError(t, store.Register("echo-bot"))

	env, err := store.GetEnv("echo-bot")
	require.NoError(t, err)
	assert.Equal(t, "abc", env["TOKEN"])
}

func TestEnvVar_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Register("echo-bot"))

	require.NoError(t, store.SetEnvVar("echo-bot", "K", "V"))

	env, err := store.GetEnv("echo-bot")
	require.NoError(t, err)
	assert.Equal(t, "V", env["K"])

	require.NoError(t, store.DeleteEnvVar("echo-bot", "K"))

	env, err = store.GetEnv("echo-bot")
	require.NoError(t, err)
	assert.NotContains(t, env, "K")
}

func TestEnvVar_UnknownUnit(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.SetEnvVar("missing", "K", "V")
	assert.True(t, errors.IsNotFoundError(err))

	err = store.DeleteEnvVar("missing", "K")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.GetEnv("missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDeleteEnvVar_UnknownKey(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Register("echo-bot"))

	err := store.DeleteEnvVar("echo-bot", "NOPE")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_SurvivesReopen(t *testing.T) {
	store, path := openTestStore(t)
	require.NoError(t, store.Register("echo-bot"))
	require.NoError(t, store.SetEnvVar("echo-bot", "TOKEN", "abc"))
	require.NoError(t, store.Register("other-bot"))

	reopened, err := Open(path, &RegistryMockLogger{})
	require.NoError(t, err)

	assert.Equal(t, []string{"echo-bot", "other-bot"}, reopened.List())
	env, err := reopened.GetEnv("echo-bot")
	require.NoError(t, err)
	assert.Equal(t, "abc", env["TOKEN"])
}

func TestRemove(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Register("echo-bot"))

	require.NoError(t, store.Remove("echo-bot"))
	assert.Empty(t, store.List())

	err := store.Remove("echo-bot")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_ConcurrentMutations(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Register("a"))
	require.NoError(t, store.Register("b"))

	// Concurrent writes to different keys must not lose updates.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, store.SetEnvVar("a", "K", "VA"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, store.SetEnvVar("b", "K", "VB"))
		}
	}()
	wg.Wait()

	envA, err := store.GetEnv("a")
	require.NoError(t, err)
	envB, err := store.GetEnv("b")
	require.NoError(t, err)
	assert.Equal(t, "VA", envA["K"])
	assert.Equal(t, "VB", envB["K"])
}

func TestGet_ReturnsCopy(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Register("echo-bot"))
	require.NoError(t, store.SetEnvVar("echo-bot", "K", "V"))

	rec, ok := store.Get("echo-bot")
	require.True(t, ok)
	rec.Env["K"] = "mutated"

	env, err := store.GetEnv("echo-bot")
	require.NoError(t, err)
	assert.Equal(t, "V", env["K"])
}
