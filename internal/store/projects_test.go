package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
)

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedProject(t, s, "p1")
	got, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Project p1", got.Name)
	assert.Equal(t, domain.ProjectDraft, got.Status)
	assert.Equal(t, domain.RigorBalanced, got.Rigor)
	assert.Nil(t, got.CompletedAt)

	name := "Renamed"
	reqs := "New requirements"
	require.NoError(t, s.UpdateProjectMeta(ctx, "p1", ProjectUpdate{Name: &name, Requirements: &reqs}))
	got, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "New requirements", got.Requirements)

	require.NoError(t, s.SetProjectStatus(ctx, "p1", domain.ProjectExecuting))
	require.NoError(t, s.CompleteProject(ctx, "p1", domain.ProjectCompleted))
	got, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, s.DeleteProject(ctx, "p1"))
	_, err = s.GetProject(ctx, "p1")
	assert.True(t, loomerrors.IsNotFound(err))
}

func TestCreateProjectDuplicateID(t *testing.T) {
	s := newTestStore(t)
	seedProject(t, s, "p1")

	p := seedProjectValue("p1")
	err := s.CreateProject(context.Background(), p)
	assert.True(t, loomerrors.IsConflict(err))
}

func seedProjectValue(id string) *domain.Project {
	p := &domain.Project{
		ID: id, Name: "dup", Status: domain.ProjectDraft, Rigor: domain.RigorBalanced,
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	return p
}

func TestUpdateProjectMetaEmpty(t *testing.T) {
	s := newTestStore(t)
	seedProject(t, s, "p1")

	err := s.UpdateProjectMeta(context.Background(), "p1", ProjectUpdate{})
	assert.True(t, loomerrors.IsConflict(err))
}

func TestListProjectsFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedProject(t, s, "p2")
	seedProject(t, s, "p3")
	require.NoError(t, s.SetProjectStatus(ctx, "p2", domain.ProjectExecuting))

	all, err := s.ListProjects(ctx, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	executing, err := s.ListProjects(ctx, "executing", 50, 0)
	require.NoError(t, err)
	require.Len(t, executing, 1)
	assert.Equal(t, "p2", executing[0].ID)

	ids, err := s.ExecutingProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids)
}

func TestTaskSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)
	seedTask(t, s, "t1", "p1", "plan1", 0, 0)
	seedTask(t, s, "t2", "p1", "plan1", 0, 10)
	seedTask(t, s, "t3", "p1", "plan1", 0, 20)
	require.NoError(t, s.CompleteTask(ctx, "t1", TaskResult{Output: "ok"}))
	require.NoError(t, s.FailTask(ctx, "t2", "nope"))

	summaries, err := s.TaskSummaries(ctx, []string{"p1", "ghost"})
	require.NoError(t, err)
	sum := summaries["p1"]
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	_, ok := summaries["ghost"]
	assert.False(t, ok)
}

func TestPlanVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	v, err := s.NextPlanVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	seedPlan(t, s, "plan1", "p1", 1)
	v, err = s.NextPlanVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	seedPlan(t, s, "plan2", "p1", 2)

	require.NoError(t, s.SupersedeDraftPlans(ctx, "p1"))
	seedPlan(t, s, "plan3", "p1", 3)

	plans, err := s.ListPlans(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, 3, plans[0].Version, "newest first")
	assert.Equal(t, domain.PlanDraft, plans[0].Status)
	assert.Equal(t, domain.PlanSuperseded, plans[1].Status)
	assert.Equal(t, domain.PlanSuperseded, plans[2].Status)
}

func TestCreatePlanDuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)

	p := &domain.Plan{
		ID: "plan1b", ProjectID: "p1", Version: 1, Status: domain.PlanDraft,
		Document: []byte(`{}`), CreatedAt: now(),
	}
	err := s.CreatePlan(context.Background(), p)
	assert.True(t, loomerrors.IsConflict(err))
}

func TestApprovePlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)

	require.NoError(t, s.SetPlanStatus(ctx, "plan1", domain.PlanApproved))
	plan, err := s.GetPlan(ctx, "plan1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanApproved, plan.Status)
}
