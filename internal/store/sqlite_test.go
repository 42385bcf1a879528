package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/promptrelay/api-go/internal/model"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string, created time.Time, status model.JobStatus) model.Job {
	return model.Job{
		ID:        id,
		Status:    status,
		CreatedAt: created.Truncate(time.Millisecond).UTC(),
		Results:   []model.UnitResult{},
	}
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := created.Add(time.Minute)
	job := testJob("job-1", created, model.JobCompleted)
	job.Total = 2
	job.Progress = 2
	job.CurrentTask = "Completed successfully"
	job.CompletedAt = &done
	job.Results = []model.UnitResult{
		{Index: 0, Prompt: "a", Success: true, ArtifactRef: "unit-001.png", DurationMs: 12, Timestamp: created},
		{Index: 1, Prompt: "b", Success: false, ErrorMessage: "boom", DurationMs: 3, Timestamp: created},
	}

	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.CurrentTask, got.CurrentTask)
	assert.Equal(t, 2, got.Progress)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	require.Len(t, got.Results, 2)
	assert.Equal(t, "unit-001.png", got.Results[0].ArtifactRef)
	assert.Equal(t, "boom", got.Results[1].ErrorMessage)
	assert.Empty(t, got.Error)
}

func TestSaveJobUpserts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("job-1", time.Now(), model.JobRunning)
	require.NoError(t, s.SaveJob(ctx, job))

	job.Status = model.JobFailed
	job.Error = "executor unavailable"
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "executor unavailable", got.Error)
	assert.Nil(t, got.CompletedAt)
	assert.NotNil(t, got.Results)
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveJob(ctx, testJob("a", base, model.JobCompleted)))
	require.NoError(t, s.SaveJob(ctx, testJob("b", base.Add(time.Second), model.JobFailed)))
	require.NoError(t, s.SaveJob(ctx, testJob("c", base.Add(2*time.Second), model.JobCompleted)))

	all, err := s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	status := model.JobCompleted
	done, err := s.ListJobs(ctx, &status, 10)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, "c", done[0].ID)

	limited, err := s.ListJobs(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}
