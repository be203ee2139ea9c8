package store

import (
	"context"

	"loom/internal/domain"
	"loom/internal/ids"
)

// CloneProject copies a project into a fresh draft: same requirements and
// config, the latest plan re-inserted as version 1 draft, and that plan's
// tasks reset to pending with execution state cleared. Dependency edges are
// remapped onto the new task ids. Returns the new project.
func (s *Store) CloneProject(ctx context.Context, projectID string) (*domain.Project, error) {
	src, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	ts := now()
	clone := &domain.Project{
		ID:           ids.NewProjectID(),
		Name:         src.Name + " (clone)",
		Requirements: src.Requirements,
		Status:       domain.ProjectDraft,
		Rigor:        src.Rigor,
		Config:       src.Config,
		OwnerID:      src.OwnerID,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}

	err = s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.CreateProject(ctx, clone); err != nil {
			return err
		}

		plans, err := s.ListPlans(ctx, projectID)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			return nil
		}
		latest := plans[0]

		newPlan := &domain.Plan{
			ID:        ids.NewPlanID(),
			ProjectID: clone.ID,
			Version:   1,
			Status:    domain.PlanDraft,
			Summary:   latest.Summary,
			Document:  latest.Document,
			ModelUsed: latest.ModelUsed,
			CreatedAt: ts,
		}
		if err := s.CreatePlan(ctx, newPlan); err != nil {
			return err
		}

		tasks, err := s.ListTasksByPlan(ctx, latest.ID)
		if err != nil {
			return err
		}

		idMap := make(map[string]string, len(tasks))
		for _, t := range tasks {
			idMap[t.ID] = ids.NewTaskID()
		}

		for _, t := range tasks {
			fresh := &domain.Task{
				ID:             idMap[t.ID],
				ProjectID:      clone.ID,
				PlanID:         newPlan.ID,
				Title:          t.Title,
				Description:    t.Description,
				Type:           t.Type,
				Complexity:     t.Complexity,
				ModelTier:      t.ModelTier,
				Status:         domain.TaskPending,
				Priority:       t.Priority,
				Wave:           t.Wave,
				Phase:          t.Phase,
				Context:        t.Context,
				Tools:          t.Tools,
				SystemPrompt:   t.SystemPrompt,
				MaxTokens:      t.MaxTokens,
				MaxRetries:     t.MaxRetries,
				RequirementIDs: t.RequirementIDs,
				CreatedAt:      ts,
				UpdatedAt:      ts,
			}
			if err := s.InsertTask(ctx, fresh); err != nil {
				return err
			}
		}

		for _, t := range tasks {
			for _, dep := range t.DependsOn {
				target, ok := idMap[dep]
				if !ok {
					continue
				}
				if err := s.AddDependency(ctx, idMap[t.ID], target); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}
