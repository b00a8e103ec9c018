package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker(10)
	id := tr.Create("backfill", map[string]int{"periods": 12})

	j, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, "backfill", j.Kind)
	assert.Nil(t, j.StartedAt)

	tr.Start(id)
	j, _ = tr.Get(id)
	assert.Equal(t, StatusRunning, j.Status)
	assert.NotNil(t, j.StartedAt)

	tr.Finish(id, map[string]int{"succeeded": 3}, nil)
	j, _ = tr.Get(id)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.NotNil(t, j.CompletedAt)
	assert.Empty(t, j.Error)
}

func TestTracker_Failure(t *testing.T) {
	tr := NewTracker(10)
	id := tr.Create("backfill", nil)
	tr.Start(id)
	tr.Finish(id, nil, errors.New("no accounts"))

	j, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "no accounts", j.Error)
}

func TestTracker_UnknownID(t *testing.T) {
	_, err := NewTracker(1).Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTracker_EvictsOldestFinished(t *testing.T) {
	tr := NewTracker(2)
	clock := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	running := tr.Create("backfill", nil)
	tr.Start(running)
	done := tr.Create("backfill", nil)
	tr.Finish(done, nil, nil)
	newest := tr.Create("backfill", nil)

	_, err := tr.Get(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Get(running)
	assert.NoError(t, err)

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, newest, list[0].ID)
	assert.Equal(t, running, list[1].ID)
}
