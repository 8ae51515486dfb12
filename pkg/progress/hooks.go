package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// DateLayout is the format of ProgressEntry.Date and Goal.TargetDate
const DateLayout = "2006-01-02"

var userFilter = resource.RoleFilter(map[types.Role]string{types.RoleUser: "user_id"})

// GoalHooks scopes goals to the user who set them
func GoalHooks() resource.Hooks[*types.Goal] {
	return resource.Hooks[*types.Goal]{
		ResourceType: types.ResourceGoals,
		Normalize:    resource.JSONNormalizer[types.Goal](),
		Owners:       resource.OwnerFields("user_id"),
		Filter:       userFilter,
		Validate:     validateGoal,
	}
}

// EntryHooks scopes progress entries to the measured user
func EntryHooks() resource.Hooks[*types.ProgressEntry] {
	return resource.Hooks[*types.ProgressEntry]{
		ResourceType: types.ResourceProgressEntries,
		Normalize:    resource.JSONNormalizer[types.ProgressEntry](),
		Owners:       resource.OwnerFields("user_id"),
		Filter:       userFilter,
		Validate:     validateEntry,
	}
}

func validateGoal(g *types.Goal) error {
	var errs []error
	if g.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if g.Title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if g.TargetValue <= 0 {
		errs = append(errs, errors.New("target_value must be positive"))
	}
	if g.TargetDate != "" {
		if _, err := time.Parse(DateLayout, g.TargetDate); err != nil {
			errs = append(errs, fmt.Errorf("target_date: %w", err))
		}
	}
	switch g.Status {
	case "", types.GoalActive, types.GoalCompleted, types.GoalCancelled:
	default:
		errs = append(errs, fmt.Errorf("unknown status %q", g.Status))
	}
	return errors.Join(errs...)
}

func validateEntry(e *types.ProgressEntry) error {
	var errs []error
	if e.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		errs = append(errs, fmt.Errorf("date: %w", err))
	}
	if e.Weight <= 0 {
		errs = append(errs, errors.New("weight must be positive"))
	}
	if e.BodyFat < 0 || e.BodyFat > 100 {
		errs = append(errs, errors.New("body_fat must be a percentage"))
	}
	return errors.Join(errs...)
}

func userOwner(userID string) types.Owner {
	return types.Owner{ID: userID, Role: types.RoleUser}
}
