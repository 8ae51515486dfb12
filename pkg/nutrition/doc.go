/*
Package nutrition syncs the meal plans a coach assigns to a client and the
foods of their meals.

Meal plans are scoped by coach_id or client_id and embed their meals, which
in turn embed their foods. Foods are a resource of their own, scoped by meal
(types.RoleMeal), so a client can tick them off while offline. Load primes the
food cache from the embedded copies and shows staged food changes in their
place.

CompleteMealPlan and ResetMealPlan update every food and then the plan, with
no local fallback. A failed food is reported in the types.CompositeResult and
leaves the plan status untouched.
*/
package nutrition
