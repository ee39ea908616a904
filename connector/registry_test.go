package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobconnect/errors"
)

func TestRegistry_ReserveAndRelease(t *testing.T) {
	r := NewRegistry(1)
	now := time.Now()

	j, err := r.Reserve(JobData{ID: "a"}, now)
	require.NoError(t, err)
	assert.Equal(t, now, j.StartTime)
	assert.Equal(t, 1, r.Len())

	_, err = r.Reserve(JobData{ID: "b"}, now)
	assert.True(t, errors.Is(err, errors.ErrCapacity))

	assert.True(t, r.Release(j))
	assert.False(t, r.Release(j), "second release is a no-op")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReleaseIgnoresStaleEntry(t *testing.T) {
	r := NewRegistry(2)
	old, err := r.Reserve(JobData{ID: "a"}, time.Now())
	require.NoError(t, err)
	require.True(t, r.Release(old))

	fresh, err := r.Reserve(JobData{ID: "a"}, time.Now())
	require.NoError(t, err)

	// A late release of the old handle must not remove the new job.
	assert.False(t, r.Release(old))
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(3)
	for _, id := range []string{"a", "b"} {
		_, err := r.Reserve(JobData{ID: id}, time.Now())
		require.NoError(t, err)
	}
	assert.Len(t, r.Snapshot(), 2)
	assert.Equal(t, 3, r.Max())
}
