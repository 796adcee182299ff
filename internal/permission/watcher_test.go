package permission

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plottingYAML = `categories:
  plotting:
    description: drawing plots
    level: approvable
    operations:
      - {name: plot}
`

const exportYAML = `categories:
  export:
    description: exporting data
    level: approvable
    operations:
      - {name: write.csv, paths: true}
`

func TestWatcherReloadsCategories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(plottingYAML), 0644))

	categories, err := LoadCategories(path)
	require.NoError(t, err)
	gate := NewGate(categories)

	var reloads atomic.Int32
	w, err := WatchCategories(path, gate, func(*Categories) { reloads.Add(1) })
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(exportYAML), 0644))
	assert.Eventually(t, func() bool {
		names := gate.Categories().Names()
		return len(names) == 1 && names[0] == "export"
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	// Let events from the previous write settle.
	time.Sleep(100 * time.Millisecond)
	before := reloads.Load()
	require.NoError(t, os.WriteFile(path, []byte("categories: [not, a, map"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"export"}, gate.Categories().Names())
	assert.Equal(t, before, reloads.Load())
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(plottingYAML), 0644))

	categories, err := LoadCategories(path)
	require.NoError(t, err)
	gate := NewGate(categories)

	var reloads atomic.Int32
	w, err := WatchCategories(path, gate, func(*Categories) { reloads.Add(1) })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(exportYAML), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())
	assert.Equal(t, []string{"plotting"}, gate.Categories().Names())

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatchCategoriesMissingDirectory(t *testing.T) {
	_, err := WatchCategories(filepath.Join(t.TempDir(), "nope", "categories.yaml"), NewGate(nil), nil)
	assert.Error(t, err)
}
