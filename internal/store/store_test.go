package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
	"loom/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, id string) *domain.Project {
	t.Helper()
	ts := time.Now().UTC()
	p := &domain.Project{
		ID:           id,
		Name:         "Project " + id,
		Requirements: "Build the thing",
		Status:       domain.ProjectDraft,
		Rigor:        domain.RigorBalanced,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func seedPlan(t *testing.T, s *Store, id, projectID string, version int) *domain.Plan {
	t.Helper()
	p := &domain.Plan{
		ID:        id,
		ProjectID: projectID,
		Version:   version,
		Status:    domain.PlanDraft,
		Summary:   "Plan summary",
		Document:  []byte(`{"summary":"Plan summary","tasks":[]}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreatePlan(context.Background(), p))
	return p
}

func seedTask(t *testing.T, s *Store, id, projectID, planID string, wave, priority int, deps ...string) *domain.Task {
	t.Helper()
	ts := time.Now().UTC()
	task := &domain.Task{
		ID:         id,
		ProjectID:  projectID,
		PlanID:     planID,
		Title:      "Task " + id,
		Type:       domain.TypeCode,
		Complexity: domain.ComplexityMedium,
		ModelTier:  domain.TierHaiku,
		Status:     domain.TaskPending,
		Priority:   priority,
		Wave:       wave,
		Tools:      []string{"read_file"},
		MaxTokens:  4096,
		MaxRetries: 2,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	require.NoError(t, s.InsertTask(context.Background(), task))
	for _, dep := range deps {
		require.NoError(t, s.AddDependency(context.Background(), id, dep))
	}
	return task
}

func TestOpenInMemory(t *testing.T) {
	s := newTestStore(t)
	require.NotNil(t, s.DB())

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&mode))
	assert.Equal(t, "1", fmt.Sprint(mode))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")

	s1, err := Open(path, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, logging.Nop())
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestTransactionCommitsAndRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC()
	err := s.Transaction(ctx, func(ctx context.Context) error {
		return s.CreateProject(ctx, &domain.Project{
			ID: "p1", Name: "kept", Status: domain.ProjectDraft,
			Rigor: domain.RigorBalanced, CreatedAt: ts, UpdatedAt: ts,
		})
	})
	require.NoError(t, err)
	_, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)

	sentinel := fmt.Errorf("boom")
	err = s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.CreateProject(ctx, &domain.Project{
			ID: "p2", Name: "doomed", Status: domain.ProjectDraft,
			Rigor: domain.RigorBalanced, CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = s.GetProject(ctx, "p2")
	assert.Error(t, err)
}

func TestTransactionIsReentrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC()
	err := s.Transaction(ctx, func(ctx context.Context) error {
		require.True(t, InTransaction(ctx))
		return s.Transaction(ctx, func(ctx context.Context) error {
			return s.CreateProject(ctx, &domain.Project{
				ID: "nested", Name: "nested", Status: domain.ProjectDraft,
				Rigor: domain.RigorBalanced, CreatedAt: ts, UpdatedAt: ts,
			})
		})
	})
	require.NoError(t, err)

	_, err = s.GetProject(ctx, "nested")
	assert.NoError(t, err)
}

func TestNestedTransactionErrorRollsBackOuter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := fmt.Errorf("inner failure")
	err := s.Transaction(ctx, func(ctx context.Context) error {
		ts := time.Now().UTC()
		if err := s.CreateProject(ctx, &domain.Project{
			ID: "outer", Name: "outer", Status: domain.ProjectDraft,
			Rigor: domain.RigorBalanced, CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			return err
		}
		return s.Transaction(ctx, func(ctx context.Context) error {
			return sentinel
		})
	})
	require.ErrorIs(t, err, sentinel)

	_, err = s.GetProject(ctx, "outer")
	assert.Error(t, err)
}

func TestRecoveryFailsInterruptedWork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")
	ctx := context.Background()

	s1, err := Open(path, logging.Nop())
	require.NoError(t, err)
	seedProject(t, s1, "p1")
	require.NoError(t, s1.SetProjectStatus(ctx, "p1", domain.ProjectExecuting))
	seedPlan(t, s1, "plan1", "p1", 1)
	seedTask(t, s1, "t1", "p1", "plan1", 0, 0)
	seedTask(t, s1, "t2", "p1", "plan1", 0, 10)
	require.NoError(t, s1.SetTaskStatus(ctx, "t1", domain.TaskRunning))
	require.NoError(t, s1.SetTaskStatus(ctx, "t2", domain.TaskQueued))
	require.NoError(t, s1.Close())

	s2, err := Open(path, logging.Nop())
	require.NoError(t, err)
	defer s2.Close()

	for _, id := range []string{"t1", "t2"} {
		task, err := s2.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, task.Status)
		assert.Equal(t, "Server restart - task interrupted", task.Error)
	}

	project, err := s2.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectPaused, project.Status)
}
