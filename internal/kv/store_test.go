package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok, "absent key should report ok=false")

	require.NoError(t, s.Set("queue", []byte(`[1]`)))
	v, ok, err := s.Get("queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[1]`, string(v))

	require.NoError(t, s.Set("queue", []byte(`[1,2]`)))
	v, _, err = s.Get("queue")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(v), "Set should replace the previous value")

	require.NoError(t, s.Remove("queue"))
	require.NoError(t, s.Remove("queue"), "removing an absent key is not an error")
	_, ok, err = s.Get("queue")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	in := []byte("abc")
	require.NoError(t, s.Set("k", in))
	in[0] = 'X'

	out, _, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out), "Set must copy its input")

	out[1] = 'Y'
	again, _, _ := s.Get("k")
	assert.Equal(t, "abc", string(again), "Get must return a copy")
	assert.ElementsMatch(t, []string{"k"}, s.Keys())
}

func TestSQLiteStore_Contract(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	storeContract(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSQLite(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("records", []byte(`{"k":"v"}`)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(dir)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get("records")
	require.NoError(t, err)
	require.True(t, ok, "value written before close must survive reopen")
	assert.Equal(t, `{"k":"v"}`, string(v))
}

func TestSQLiteStore_EmptyValue(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("empty", nil))
	v, ok, err := s.Get("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestMigrator_IdempotentUp(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSQLite(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Second open re-runs Initialize/Up against an already migrated file.
	s, err = OpenSQLite(dir)
	require.NoError(t, err)
	defer s.Close()

	applied, err := NewMigrator(s.DB(), nil).Applied()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 1, applied[0].Version)
	assert.Equal(t, "kv_store", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
}
