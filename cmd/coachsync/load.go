package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/session"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var loadCmd = &cobra.Command{
	Use:   "load RESOURCE",
	Short: "Load the records of a resource",
	Long: `Load the records of one resource for an owner. When the backend is
unreachable the writes staged on this device are shown instead.

Resources: workouts, meal_plans, goals, progress_entries, conversations,
messages (owner is the chat id).

Examples:
  # Workouts assigned to the signed-in client
  coachsync load workouts

  # A coach's meal plans, as YAML
  coachsync load meal_plans --owner 7f3c --role coach -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

func init() {
	addOwnerFlags(loadCmd)
	loadCmd.Flags().StringP("output", "o", "json", "Output format (json or yaml)")
	rootCmd.AddCommand(loadCmd)
}

func addOwnerFlags(cmd *cobra.Command) {
	cmd.Flags().String("owner", "", "Owner id (default: the signed-in user)")
	cmd.Flags().String("role", "", "Owner role: coach, client, user or chat (default: from the resource and token)")
}

func runLoad(cmd *cobra.Command, args []string) error {
	rt, err := types.ParseResourceType(args[0])
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("output")
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unknown output format %q", format)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	owner, err := resolveOwner(cmd, s, rt)
	if err != nil {
		return err
	}

	records, n, fromFallback, err := load(cmd, s, rt, owner)
	if err != nil {
		return err
	}

	if err := printRecords(cmd.OutOrStdout(), format, records); err != nil {
		return err
	}
	source := "backend"
	if fromFallback {
		source = "local fallback, backend unreachable"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d %s for %s (%s)\n", n, rt, owner, source)
	return nil
}

func load(cmd *cobra.Command, s *session.Session, rt types.ResourceType, owner types.Owner) (any, int, bool, error) {
	ctx := cmd.Context()
	switch rt {
	case types.ResourceWorkouts:
		return loaded(s.Workouts.Load(ctx, owner))
	case types.ResourceMealPlans:
		return loaded(s.Nutrition.Load(ctx, owner))
	case types.ResourceGoals:
		return loaded(s.Progress.Goals(ctx, owner.ID))
	case types.ResourceProgressEntries:
		return loaded(s.Progress.Entries(ctx, owner.ID))
	case types.ResourceConversations:
		return loaded(s.Chat.Conversations(ctx, owner))
	case types.ResourceMessages:
		return loaded(s.Chat.Messages(ctx, owner.ID))
	default:
		return nil, 0, false, fmt.Errorf("%s are loaded with their parent resource", rt)
	}
}

func loaded[T types.Record](res *resource.LoadResult[T], err error) (any, int, bool, error) {
	if err != nil {
		return nil, 0, false, err
	}
	return res.Records, len(res.Records), res.FromFallback, nil
}

// resolveOwner fills in the owner flags from the resource type and the
// signed-in user
func resolveOwner(cmd *cobra.Command, s *session.Session, rt types.ResourceType) (types.Owner, error) {
	ownerID, _ := cmd.Flags().GetString("owner")
	roleName, _ := cmd.Flags().GetString("role")

	var role types.Role
	switch {
	case roleName != "":
		r, err := types.ParseRole(roleName)
		if err != nil {
			return types.Owner{}, err
		}
		role = r
	case rt == types.ResourceGoals || rt == types.ResourceProgressEntries:
		role = types.RoleUser
	case rt == types.ResourceMessages:
		role = types.RoleChat
	case rt == types.ResourceExercises:
		role = types.RoleWorkout
	case rt == types.ResourceFoods:
		role = types.RoleMeal
	}

	if ownerID != "" && role != "" {
		return types.Owner{ID: ownerID, Role: role}, nil
	}
	switch role {
	case types.RoleChat, types.RoleWorkout, types.RoleMeal:
		return types.Owner{}, fmt.Errorf("--owner must be the parent %s id for %s", role, rt)
	}

	claims, err := s.Claims()
	if err != nil {
		return types.Owner{}, fmt.Errorf("pass --owner and --role or sign in with --token: %w", err)
	}
	if ownerID == "" {
		ownerID = claims.Subject
	}
	if role == "" {
		if role, err = claims.AppRole(); err != nil {
			return types.Owner{}, err
		}
	}
	return types.Owner{ID: ownerID, Role: role}, nil
}

func printRecords(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if format == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	// re-decode so YAML keys follow the JSON field names
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}
