package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{"SNAP_NAME": "fuzz-base"}))
	require.NoError(t, err)

	c := cfg.Campaign
	assert.Equal(t, "fuzz-base", c.BaselineSnapshot)
	assert.Equal(t, []int{0}, c.Cores)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.Equal(t, []string{"./corpus"}, c.CorpusDirs)
	assert.Equal(t, "./crashes", c.ObjectiveDir)
	assert.Equal(t, "./tokens/test.dict", c.TokensFile)
	assert.Equal(t, 1024, c.MaxInputSize)
	assert.Equal(t, 1337, c.BrokerPort)
	assert.Equal(t, "/tmp/fuzzer.txt", c.StdoutFile)
	assert.Equal(t, ModeLauncher, cfg.Mode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "snapfuzz", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{
		"SNAP_NAME":   "s",
		"CORES":       "0",
		"TIMEOUT":     "250ms",
		"CORPUS_DIR":  "a, b",
		"TOKENS_FILE": "",
		"FUZZ_SIZE":   "4096",
		"MODE":        "single",
		"QEMU_ARGS":   "-enable-kvm -smp 1",
	}))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, cfg.Campaign.Cores)
	assert.Equal(t, 250*time.Millisecond, cfg.Campaign.Timeout)
	assert.Equal(t, []string{"a", "b"}, cfg.Campaign.CorpusDirs)
	assert.Empty(t, cfg.Campaign.TokensFile)
	assert.Equal(t, 4096, cfg.Campaign.MaxInputSize)
	assert.Equal(t, ModeSingle, cfg.Mode)
	assert.Equal(t, []string{"-enable-kvm", "-smp", "1"}, cfg.Engine.Args)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(envLookup(map[string]string{}))
	assert.ErrorIs(t, err, ErrMissingSnapshotName)

	for _, size := range []string{"big", "0", "-3"} {
		_, err = Load(envLookup(map[string]string{"SNAP_NAME": "s", "FUZZ_SIZE": size}))
		assert.ErrorIs(t, err, ErrInvalidFuzzSize, size)
	}

	_, err = Load(envLookup(map[string]string{"SNAP_NAME": "s", "MODE": "cluster"}))
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = Load(envLookup(map[string]string{"SNAP_NAME": "s", "CORES": "x"}))
	assert.Error(t, err)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
campaign:
  snapshot: from-yaml
  timeout: 2s
  corpus_dirs: [/seeds/a, /seeds/b]
engine:
  binary: /opt/qemu/bin/qemu-system-x86_64
  args: ["-enable-kvm"]
`), 0644))

	cfg, err := Load(envLookup(map[string]string{"SNAP_NAME": "env", "SNAPFUZZ_CONFIG": path}))
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Campaign.BaselineSnapshot)
	assert.Equal(t, 2*time.Second, cfg.Campaign.Timeout)
	assert.Equal(t, []string{"/seeds/a", "/seeds/b"}, cfg.Campaign.CorpusDirs)
	assert.Equal(t, "/opt/qemu/bin/qemu-system-x86_64", cfg.Engine.Binary)
	assert.Equal(t, []string{"-enable-kvm"}, cfg.Engine.Args)
	assert.Equal(t, "2G", cfg.Engine.Memory)

	_, err = Load(envLookup(map[string]string{"SNAP_NAME": "env", "SNAPFUZZ_CONFIG": path + ".missing"}))
	assert.Error(t, err)
}
