package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapfuzz/pkg/watchdog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCorpusDedupAndOrder(t *testing.T) {
	c := New()
	_, ok := c.Next()
	assert.False(t, ok)

	assert.True(t, c.Add([]byte("a"), "seed"))
	assert.True(t, c.Add([]byte("b"), "fuzz"))
	assert.False(t, c.Add([]byte("a"), "fuzz"))
	assert.Equal(t, 2, c.Len())

	var got []string
	for range 5 {
		e, ok := c.Next()
		require.True(t, ok)
		got = append(got, string(e.Data))
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, got)
	assert.Equal(t, "fuzz", c.At(1).Source)
}

func TestCorpusCopiesInput(t *testing.T) {
	c := New()
	data := []byte("abc")
	c.Add(data, "seed")
	data[0] = 'x'
	assert.Equal(t, []byte("abc"), c.At(0).Data)
}

func TestLoadDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("2"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("1"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	seeds, err := LoadDirs(dir)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, []byte("1"), seeds[0].Data)
	assert.Equal(t, filepath.Join(dir, "b"), seeds[1].Path)

	_, err = LoadDirs(dir, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestImporter(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	imp, err := NewImporter(ctx, watchdog.NewWatchDogFactory(zap.NewNop()), []string{dir}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, imp.Poll(10))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("h"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new"), []byte("n"), 0644))

	var seeds []Seed
	require.Eventually(t, func() bool {
		seeds = append(seeds, imp.Poll(10)...)
		return len(seeds) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, filepath.Join(dir, "new"), seeds[0].Path)
	assert.Equal(t, []byte("n"), seeds[0].Data)

	_, err = NewImporter(ctx, watchdog.NewWatchDogFactory(zap.NewNop()), []string{filepath.Join(dir, "missing")}, zap.NewNop())
	assert.Error(t, err)
}
