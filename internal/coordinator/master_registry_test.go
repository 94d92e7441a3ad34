package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/failsafe/internal/masterfile"
)

// TestMasterRegistryLoad tests loading masters from an existing master file
func TestMasterRegistryLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := masterfile.NewWithFs(fs, "/etc/failsafe/redis-master")
	require.NoError(t, file.WriteContent("primary/a:1\nsecondary/b:2\n"))

	registry := NewMasterRegistry(file)
	masters, err := registry.Load()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"primary": "a:1", "secondary": "b:2"}, masters)
	assert.Equal(t, "a:1", registry.Get("primary"))
	assert.Equal(t, "", registry.Get("missing"))
}

// TestMasterRegistrySet tests that every change is persisted
func TestMasterRegistrySet(t *testing.T) {
	tests := []struct {
		name    string
		sets    [][2]string
		content string
	}{
		{
			name:    "single unnamed system",
			sets:    [][2]string{{"system", "a:1"}},
			content: "a:1\n",
		},
		{
			name:    "named systems",
			sets:    [][2]string{{"s2", "b:2"}, {"s1", "a:1"}},
			content: "s1/a:1\ns2/b:2\n",
		},
		{
			name:    "replace master",
			sets:    [][2]string{{"s1", "a:1"}, {"s2", "c:3"}, {"s1", "b:2"}},
			content: "s1/b:2\ns2/c:3\n",
		},
		{
			name:    "clear master",
			sets:    [][2]string{{"s1", "a:1"}, {"s2", "c:3"}, {"s2", ""}},
			content: "s1/a:1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := masterfile.NewWithFs(afero.NewMemMapFs(), "/redis-master")
			registry := NewMasterRegistry(file)
			for _, s := range tt.sets {
				require.NoError(t, registry.Set(s[0], s[1]))
			}

			content, err := file.ReadContent()
			require.NoError(t, err)
			assert.Equal(t, tt.content, content)
			assert.Equal(t, tt.content, registry.Content())
		})
	}
}

// TestMasterRegistrySetFailure keeps the new master in memory when the file
// cannot be written, and writes it on the next Flush
func TestMasterRegistrySetFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	file := masterfile.NewWithFs(base, "/redis-master")
	registry := NewMasterRegistry(file)
	require.NoError(t, registry.Set("system", "a:1"))
	require.NoError(t, registry.Flush(), "nothing to flush")

	registry.file = masterfile.NewWithFs(afero.NewReadOnlyFs(base), "/redis-master")
	assert.Error(t, registry.Set("system", "b:2"))
	assert.Equal(t, "b:2", registry.Get("system"))
	assert.Equal(t, "b:2\n", registry.Content())
	assert.Error(t, registry.Flush())

	content, err := file.ReadContent()
	require.NoError(t, err)
	assert.Equal(t, "a:1\n", content)

	registry.file = file
	require.NoError(t, registry.Flush())
	content, err = file.ReadContent()
	require.NoError(t, err)
	assert.Equal(t, "b:2\n", content)
}

// TestMasterRegistryLoadReturnsCopy verifies callers cannot modify the registry
func TestMasterRegistryLoadReturnsCopy(t *testing.T) {
	registry := NewMasterRegistry(nil)
	require.NoError(t, registry.Set("system", "a:1"))

	masters, err := registry.Load()
	require.NoError(t, err)
	masters["system"] = "x:9"

	assert.Equal(t, "a:1", registry.Get("system"))
}

// TestMasterRegistryConcurrency tests concurrent reads and writes
func TestMasterRegistryConcurrency(t *testing.T) {
	registry := NewMasterRegistry(masterfile.NewWithFs(afero.NewMemMapFs(), "/redis-master"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, registry.Set(fmt.Sprintf("s%d", i%4), fmt.Sprintf("h%d:1", i)))
		}(i)
		go func() {
			defer wg.Done()
			_ = registry.Get("s1")
			_ = registry.Content()
		}()
	}
	wg.Wait()

	masters, err := registry.Load()
	require.NoError(t, err)
	assert.Len(t, masters, 4)
}
