package types

import "time"

// WorkoutStatus is the lifecycle state of an assigned workout or meal plan
type WorkoutStatus string

const (
	WorkoutAssigned   WorkoutStatus = "assigned"
	WorkoutInProgress WorkoutStatus = "in_progress"
	WorkoutCompleted  WorkoutStatus = "completed"
)

// WorkoutType classifies a workout
type WorkoutType string

const (
	WorkoutStrength    WorkoutType = "strength"
	WorkoutCardio      WorkoutType = "cardio"
	WorkoutFlexibility WorkoutType = "flexibility"
	WorkoutMixed       WorkoutType = "mixed"
)

// Workout is a session a coach assigns to a client
type Workout struct {
	Meta
	CoachID        string        `json:"coach_id"`
	ClientID       string        `json:"client_id"`
	Name           string        `json:"name"`
	Date           string        `json:"date"`
	Type           WorkoutType   `json:"type,omitempty"`
	Status         WorkoutStatus `json:"status"`
	Duration       int           `json:"duration,omitempty"` // minutes
	CaloriesBurned int           `json:"calories_burned,omitempty"`
	Exercises      []*Exercise   `json:"exercises,omitempty"`
}

// Exercise is one step of a workout
type Exercise struct {
	Meta
	WorkoutID string  `json:"workout_id"`
	Name      string  `json:"name"`
	Sets      int     `json:"sets"`
	Reps      int     `json:"reps"`
	Weight    float64 `json:"weight,omitempty"`
	RestTime  int     `json:"rest_time,omitempty"` // seconds
	Completed bool    `json:"completed"`
}

// MealPlan is a day of meals a coach assigns to a client
type MealPlan struct {
	Meta
	CoachID       string        `json:"coach_id"`
	ClientID      string        `json:"client_id"`
	Name          string        `json:"name"`
	Date          string        `json:"date"`
	TotalCalories float64       `json:"total_calories"`
	TotalProtein  float64       `json:"total_protein"`
	TotalCarbs    float64       `json:"total_carbs"`
	TotalFat      float64       `json:"total_fat"`
	Status        WorkoutStatus `json:"status"`
	Meals         []*Meal       `json:"meals,omitempty"`
}

// Meal groups the foods eaten at one time of day
type Meal struct {
	ID         string  `json:"id"`
	MealPlanID string  `json:"meal_plan_id"`
	Name       string  `json:"name"`
	Time       string  `json:"time"`
	Foods      []*Food `json:"foods,omitempty"`
}

// Food is a single portion within a meal
type Food struct {
	Meta
	MealID    string  `json:"meal_id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Calories  float64 `json:"calories"`
	Protein   float64 `json:"protein"`
	Carbs     float64 `json:"carbs"`
	Fat       float64 `json:"fat"`
	Completed bool    `json:"is_completed"`
}

// GoalStatus is the lifecycle state of a goal
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalCancelled GoalStatus = "cancelled"
)

// GoalCategory classifies what a goal measures
type GoalCategory string

const (
	GoalWeight       GoalCategory = "weight"
	GoalBodyFat      GoalCategory = "body_fat"
	GoalMuscleMass   GoalCategory = "muscle_mass"
	GoalMeasurements GoalCategory = "measurements"
	GoalCustom       GoalCategory = "custom"
)

// Goal is a measurable target a user works towards
type Goal struct {
	Meta
	UserID       string       `json:"user_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	TargetValue  float64      `json:"target_value"`
	CurrentValue float64      `json:"current_value"`
	Unit         string       `json:"unit,omitempty"`
	TargetDate   string       `json:"target_date,omitempty"`
	Status       GoalStatus   `json:"status"`
	Category     GoalCategory `json:"category,omitempty"`
}

// ProgressEntry is one body measurement taken on a given date
type ProgressEntry struct {
	Meta
	UserID     string  `json:"user_id"`
	Date       string  `json:"date"`
	Weight     float64 `json:"weight"`
	BodyFat    float64 `json:"body_fat,omitempty"`
	MuscleMass float64 `json:"muscle_mass,omitempty"`
	Chest      float64 `json:"chest,omitempty"`
	Waist      float64 `json:"waist,omitempty"`
	Hips       float64 `json:"hips,omitempty"`
	Biceps     float64 `json:"biceps,omitempty"`
	Thighs     float64 `json:"thighs,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

// Conversation is the chat between a coach and a client
type Conversation struct {
	Meta
	CoachID       string    `json:"coach_id"`
	ClientID      string    `json:"client_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// MessageType is the content type of a chat message
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
)

// Message is a single chat message
type Message struct {
	Meta
	ChatID      string      `json:"chat_id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	MediaURL    string      `json:"media_url,omitempty"`
	IsRead      bool        `json:"is_read"`
}
