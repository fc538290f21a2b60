package runs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUStore_SaveLoad(t *testing.T) {
	s := NewLRUStore(2)
	require.NoError(t, s.Save(&Run{ID: "a", State: Succeeded, ArtifactSize: 3}))

	got, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, Succeeded, got.State)
	assert.Equal(t, 3, got.ArtifactSize)

	_, err = s.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLRUStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewLRUStore(2)
	require.NoError(t, s.Save(&Run{ID: "a"}))
	require.NoError(t, s.Save(&Run{ID: "b"}))

	// Touch a so b becomes the eviction candidate.
	_, err := s.Load("a")
	require.NoError(t, err)
	require.NoError(t, s.Save(&Run{ID: "c"}))

	assert.Equal(t, 2, s.Len())
	_, err = s.Load("b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Load("a")
	assert.NoError(t, err)
	_, err = s.Load("c")
	assert.NoError(t, err)
}

func TestLRUStore_SaveReplaces(t *testing.T) {
	s := NewLRUStore(1)
	require.NoError(t, s.Save(&Run{ID: "a", State: Failed}))
	require.NoError(t, s.Save(&Run{ID: "a", State: Succeeded}))

	got, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, Succeeded, got.State)
	assert.Equal(t, 1, s.Len())
}

func TestLRUStore_ReturnsCopies(t *testing.T) {
	s := NewLRUStore(1)
	r := &Run{ID: "a", ExitCode: 1}
	require.NoError(t, s.Save(r))
	r.ExitCode = 99

	got, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExitCode)
	got.ExitCode = 42

	again, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, 1, again.ExitCode)
}

func TestLRUStore_MinimumCapacity(t *testing.T) {
	s := NewLRUStore(0)
	require.NoError(t, s.Save(&Run{ID: "a"}))
	require.NoError(t, s.Save(&Run{ID: "b"}))
	assert.Equal(t, 1, s.Len())
}

func TestLRUStore_Concurrent(t *testing.T) {
	s := NewLRUStore(8)
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i%10)
			_ = s.Save(&Run{ID: id})
			_, _ = s.Load(id)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 8)
}

func TestRun_Format(t *testing.T) {
	ok := &Run{
		ID:           "abc",
		Direction:    "import",
		State:        Succeeded,
		StartedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:     1500 * time.Millisecond,
		ArtifactSize: 3,
		SHA256:       "deadbeef",
	}
	text := ok.Format()
	assert.Contains(t, text, "Run: abc\nDirection: import\n")
	assert.Contains(t, text, "State: succeeded\n")
	assert.Contains(t, text, "Started: 2026-01-02T03:04:05Z\n")
	assert.Contains(t, text, "Duration: 1.5s\n")
	assert.Contains(t, text, "Size: 3 bytes\n")
	assert.NotContains(t, text, "Error:")

	failed := &Run{ID: "def", State: Failed, ErrorKind: "processing_failure", ExitCode: 2, Truncated: true}
	text = failed.Format()
	assert.Contains(t, text, "Error: processing_failure\n")
	assert.Contains(t, text, "Exit code: 2\n")
	assert.Contains(t, text, "truncated")
	assert.NotContains(t, text, "Direction:")
	assert.NotContains(t, text, "SHA256")
}
