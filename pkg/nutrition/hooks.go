package nutrition

import (
	"errors"

	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// MealPlanHooks scopes meal plans to their coach or client
func MealPlanHooks() resource.Hooks[*types.MealPlan] {
	return resource.Hooks[*types.MealPlan]{
		ResourceType: types.ResourceMealPlans,
		Normalize:    resource.JSONNormalizer[types.MealPlan](),
		Owners:       resource.OwnerFields("coach_id", "client_id"),
		Filter: resource.RoleFilter(map[types.Role]string{
			types.RoleCoach:  "coach_id",
			types.RoleClient: "client_id",
		}),
		Validate: func(p *types.MealPlan) error {
			var errs []error
			if p.Name == "" {
				errs = append(errs, errors.New("name is required"))
			}
			if p.CoachID == "" || p.ClientID == "" {
				errs = append(errs, errors.New("coach_id and client_id are required"))
			}
			if p.TotalCalories < 0 || p.TotalProtein < 0 || p.TotalCarbs < 0 || p.TotalFat < 0 {
				errs = append(errs, errors.New("totals must not be negative"))
			}
			return errors.Join(errs...)
		},
		Embedded: []string{"meals"},
	}
}

// FoodHooks scopes foods to their meal (RoleMeal)
func FoodHooks() resource.Hooks[*types.Food] {
	return resource.Hooks[*types.Food]{
		ResourceType: types.ResourceFoods,
		Normalize:    resource.JSONNormalizer[types.Food](),
		Owners:       resource.OwnerFields("meal_id"),
		Filter:       resource.RoleFilter(map[types.Role]string{types.RoleMeal: "meal_id"}),
		Validate: func(f *types.Food) error {
			if f.MealID == "" || f.Name == "" {
				return errors.New("meal_id and name are required")
			}
			return nil
		},
	}
}

func mealOwner(mealID string) types.Owner {
	return types.Owner{ID: mealID, Role: types.RoleMeal}
}
