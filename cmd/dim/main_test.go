package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dim "+version))
}

func TestFingerprintCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configurations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- {name: a, command: sleep}\n- {command: sleep, name: b}\n"), 0o644))

	out, err := execute(t, "fingerprint", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "\ta"))
	assert.True(t, strings.HasSuffix(lines[1], "\tb"))

	_, err = execute(t, "fingerprint")
	assert.Error(t, err)
}

func TestLeaderCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("node: {id: n1, service: svc}\nstore: {driver: sqlite, path: "+filepath.Join(dir, "dim.db")+"}\n"), 0o644))

	out, err := execute(t, "leader", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "svc.leader: no leader\n", out)
}
