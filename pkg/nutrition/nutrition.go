package nutrition

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// DateLayout is the format of MealPlan.Date
const DateLayout = "2006-01-02"

// Service syncs meal plans and the foods of their meals
type Service struct {
	plans  *resource.Service[*types.MealPlan]
	foods  *resource.Service[*types.Food]
	logger zerolog.Logger
}

// Stats summarizes an owner's meal plans
type Stats struct {
	Total         int     `json:"total"`
	Assigned      int     `json:"assigned"`
	InProgress    int     `json:"in_progress"`
	Completed     int     `json:"completed"`
	TotalCalories float64 `json:"total_calories"`
	TotalProtein  float64 `json:"total_protein"`
	TotalCarbs    float64 `json:"total_carbs"`
	TotalFat      float64 `json:"total_fat"`
	FromFallback  bool    `json:"from_fallback"`
}

// NewService creates a nutrition service. shared carries the store,
// registry, events and clock; its Client is ignored.
func NewService(plans, foods remote.ResourceClient, shared resource.Config) (*Service, error) {
	pc := shared
	pc.Client = plans
	ps, err := resource.NewService(MealPlanHooks(), pc)
	if err != nil {
		return nil, err
	}

	fc := shared
	fc.Client = foods
	fs, err := resource.NewService(FoodHooks(), fc)
	if err != nil {
		return nil, err
	}

	return &Service{plans: ps, foods: fs, logger: log.WithComponent("nutrition")}, nil
}

// Syncers returns the underlying services, parents first
func (s *Service) Syncers() []resource.Syncer {
	return []resource.Syncer{s.plans, s.foods}
}

// Load returns the owner's meal plans with staged food changes shown in
// place of the embedded copies
func (s *Service) Load(ctx context.Context, owner types.Owner) (*resource.LoadResult[*types.MealPlan], error) {
	res, err := s.plans.Load(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, p := range res.Records {
		for _, m := range p.Meals {
			if p.Synced() {
				if err := s.foods.Prime(m.Foods...); err != nil {
					s.logger.Warn().Err(err).Str("meal_id", m.ID).Msg("Failed to cache foods")
				}
			}
			s.overlayFoods(m)
		}
	}
	return res, nil
}

func (s *Service) overlayFoods(m *types.Meal) {
	pending, err := s.foods.PendingRecords(m.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("meal_id", m.ID).Msg("Failed to read staged foods")
		return
	}
	for _, p := range pending {
		replaced := false
		for i, f := range m.Foods {
			if f.ID == p.ID {
				m.Foods[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			m.Foods = append(m.Foods, p)
		}
	}
}

// Get returns the last known version of a meal plan
func (s *Service) Get(id string) (*types.MealPlan, bool) {
	return s.plans.Cached(id)
}

// Subscribe streams changes to the owner's meal plans
func (s *Service) Subscribe(ctx context.Context, owner types.Owner, onChange func(resource.Change[*types.MealPlan]), onError func(error)) error {
	return s.plans.Subscribe(ctx, owner, onChange, onError)
}

// Unsubscribe stops the owner's meal plan feed
func (s *Service) Unsubscribe(ctx context.Context, owner types.Owner) {
	s.plans.Unsubscribe(ctx, owner)
}

// Status returns the owner's meal plan subscription status
func (s *Service) Status(owner types.Owner) types.SubscriptionStatus {
	return s.plans.Status(owner)
}

// SubscribeFoods streams changes to the foods of one meal
func (s *Service) SubscribeFoods(ctx context.Context, mealID string, onChange func(resource.Change[*types.Food]), onError func(error)) error {
	return s.foods.Subscribe(ctx, mealOwner(mealID), onChange, onError)
}

// UnsubscribeFoods stops the food feed of one meal
func (s *Service) UnsubscribeFoods(ctx context.Context, mealID string) {
	s.foods.Unsubscribe(ctx, mealOwner(mealID))
}

// Create assigns a meal plan. Meals are managed by the coach tooling and are
// not created here.
func (s *Service) Create(ctx context.Context, p *types.MealPlan) (*types.MealPlan, error) {
	input := *p
	input.Meals = nil
	if input.Status == "" {
		input.Status = types.WorkoutAssigned
	}
	return s.plans.Create(ctx, &input)
}

// Update applies a partial update to a meal plan
func (s *Service) Update(ctx context.Context, id string, partial map[string]any) (*types.MealPlan, error) {
	return s.plans.Update(ctx, id, partial)
}

// Remove deletes a meal plan after the foods of its known meals
func (s *Service) Remove(ctx context.Context, id string) (types.Origin, error) {
	origin := types.OriginRemote

	if p, ok := s.plans.Cached(id); ok {
		for _, f := range foodsOf(p) {
			o, err := s.foods.Remove(ctx, f.ID)
			if err != nil {
				return "", fmt.Errorf("remove food %s: %w", f.ID, err)
			}
			if o == types.OriginLocalPending {
				origin = o
			}
		}
	}

	o, err := s.plans.Remove(ctx, id)
	if err != nil {
		return "", err
	}
	if o == types.OriginLocalPending {
		origin = o
	}
	return origin, nil
}

// StartMealPlan moves an assigned plan to in progress
func (s *Service) StartMealPlan(ctx context.Context, id string) (*types.MealPlan, error) {
	if p, ok := s.plans.Cached(id); ok && p.Status != types.WorkoutAssigned {
		return nil, remote.NewError(remote.KindValidation, "start", types.ResourceMealPlans,
			fmt.Errorf("cannot start a meal plan that is %s", p.Status))
	}
	return s.plans.Update(ctx, id, map[string]any{"status": types.WorkoutInProgress})
}

// CompleteMealFoods marks every food of one meal as eaten. Failed foods are
// reported; the others stay completed.
func (s *Service) CompleteMealFoods(ctx context.Context, m *types.Meal) (*types.CompositeResult, error) {
	result := &types.CompositeResult{}
	s.markFoods(ctx, m.Foods, true, result)
	s.observe("complete_meal", m.ID, result)
	return result, result.Err()
}

// CompleteMealPlan marks every food completed, then the plan. A failed food
// leaves the plan status unchanged.
func (s *Service) CompleteMealPlan(ctx context.Context, p *types.MealPlan) (*types.CompositeResult, error) {
	return s.transition(ctx, "complete", p, true, types.WorkoutCompleted)
}

// ResetMealPlan clears every food and moves the plan back to assigned
func (s *Service) ResetMealPlan(ctx context.Context, p *types.MealPlan) (*types.CompositeResult, error) {
	return s.transition(ctx, "reset", p, false, types.WorkoutAssigned)
}

func (s *Service) transition(ctx context.Context, op string, p *types.MealPlan, completed bool, status types.WorkoutStatus) (*types.CompositeResult, error) {
	result := &types.CompositeResult{}
	s.markFoods(ctx, foodsOf(p), completed, result)

	if result.OK() {
		updated, err := s.plans.UpdateRemote(ctx, p.ID, map[string]any{"status": status})
		if err != nil {
			result.Failed = append(result.Failed, types.SubFailure{RecordID: p.ID, Err: err})
		} else {
			p.Status = updated.Status
			p.UpdatedAt = updated.UpdatedAt
			result.Succeeded = append(result.Succeeded, p.ID)
		}
	}

	s.observe(op, p.ID, result)
	return result, result.Err()
}

func (s *Service) markFoods(ctx context.Context, foods []*types.Food, completed bool, result *types.CompositeResult) {
	for _, f := range foods {
		if f.Completed == completed {
			result.Succeeded = append(result.Succeeded, f.ID)
			continue
		}
		updated, err := s.foods.UpdateRemote(ctx, f.ID, map[string]any{"is_completed": completed})
		if err != nil {
			result.Failed = append(result.Failed, types.SubFailure{RecordID: f.ID, Err: err})
			continue
		}
		f.Completed = updated.Completed
		result.Succeeded = append(result.Succeeded, f.ID)
	}
}

func (s *Service) observe(op, id string, result *types.CompositeResult) {
	if result.OK() {
		return
	}
	metrics.CompositeFailures.WithLabelValues(string(types.ResourceMealPlans), op).Inc()
	s.logger.Warn().
		Str("op", op).
		Str("id", id).
		Strs("failed", result.FailedIDs()).
		Msg("Meal plan operation partially failed")
}

// UpdateFood applies a partial update to one food
func (s *Service) UpdateFood(ctx context.Context, id string, partial map[string]any) (*types.Food, error) {
	return s.foods.Update(ctx, id, partial)
}

// ToggleFood flips the completed flag of a food
func (s *Service) ToggleFood(ctx context.Context, f *types.Food) (*types.Food, error) {
	return s.foods.Update(ctx, f.ID, map[string]any{"is_completed": !f.Completed})
}

// Stats counts the owner's meal plans by status and sums their targets
func (s *Service) Stats(ctx context.Context, owner types.Owner) (*Stats, error) {
	res, err := s.Load(ctx, owner)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(res.Records), FromFallback: res.FromFallback}
	for _, p := range res.Records {
		switch p.Status {
		case types.WorkoutAssigned:
			stats.Assigned++
		case types.WorkoutInProgress:
			stats.InProgress++
		case types.WorkoutCompleted:
			stats.Completed++
		}
		stats.TotalCalories += p.TotalCalories
		stats.TotalProtein += p.TotalProtein
		stats.TotalCarbs += p.TotalCarbs
		stats.TotalFat += p.TotalFat
	}
	return stats, nil
}

// TodayCompletedFoods returns the foods eaten from the plans dated on now's
// calendar day
func (s *Service) TodayCompletedFoods(ctx context.Context, owner types.Owner, now time.Time) ([]*types.Food, error) {
	res, err := s.Load(ctx, owner)
	if err != nil {
		return nil, err
	}

	today := now.Format(DateLayout)
	var eaten []*types.Food
	for _, p := range res.Records {
		if p.Date != today {
			continue
		}
		for _, f := range foodsOf(p) {
			if f.Completed {
				eaten = append(eaten, f)
			}
		}
	}
	return eaten, nil
}

func foodsOf(p *types.MealPlan) []*types.Food {
	var foods []*types.Food
	for _, m := range p.Meals {
		foods = append(foods, m.Foods...)
	}
	return foods
}
