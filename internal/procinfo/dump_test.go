package procinfo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpWriteAndLoad(t *testing.T) {
	d := NewDump(filepath.Join(t.TempDir(), "report.json"))
	want := FromSnapshot(fixedSnapshot())

	require.NoError(t, d.Write(want))
	got, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = os.Stat(d.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestDumpConcurrentWritesStayReadable(t *testing.T) {
	d := NewDump(filepath.Join(t.TempDir(), "report.json"))
	base := FromSnapshot(fixedSnapshot())
	require.NoError(t, d.Write(base))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(tick uint64) {
			defer wg.Done()
			r := base
			r.Tick = tick
			assert.NoError(t, d.Write(r))
		}(uint64(i))
		go func() {
			defer wg.Done()
			_, err := d.Load()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestDumpLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewDump(filepath.Join(dir, "missing.json")).Load()
	assert.ErrorIs(t, err, os.ErrNotExist)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))
	_, err = NewDump(corrupt).Load()
	assert.ErrorIs(t, err, ErrCorruptedDump)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"schema_ver": 2, "report": {}}`), 0644))
	_, err = NewDump(future).Load()
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}
