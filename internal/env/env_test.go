package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := Isolated()
	e.Set("DATA", "/srv")
	e.Set("MODE", "global")
	out := e.Merge([]string{"MODE=daemon", "LOG=${DATA}/log", "=bad", "junk"})
	assert.Equal(t, []string{"DATA=/srv", "LOG=/srv/log", "MODE=daemon"}, out)
}

func TestDaemonForcesNoColor(t *testing.T) {
	e := Isolated()
	e.Set(NoColor, "false")
	out := e.Daemon([]string{"A=1"})
	assert.Equal(t, []string{"A=1", "NO_COLOR=true"}, out)
}

func TestMergeUsesOS(t *testing.T) {
	t.Setenv("HASHVISOR_ENV_TEST", "from-os")
	out := New().Merge(nil)
	assert.Contains(t, out, "HASHVISOR_ENV_TEST=from-os")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemons.env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nA = 1\n\nB=two=2\nnoequals\n"), 0o600))
	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Var{"A": "1", "B": "two=2"}, m)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestWithSetCopies(t *testing.T) {
	e := Isolated()
	e.Set("A", "1")
	n := e.WithSet("B", "2")
	assert.NotContains(t, e.Var, "B")
	assert.Equal(t, []string{"A=1", "B=2"}, n.Merge(nil))
}
