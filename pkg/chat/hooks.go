package chat

import (
	"errors"
	"fmt"

	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// ConversationHooks scopes conversations to either participant
func ConversationHooks() resource.Hooks[*types.Conversation] {
	return resource.Hooks[*types.Conversation]{
		ResourceType: types.ResourceConversations,
		Normalize:    resource.JSONNormalizer[types.Conversation](),
		Owners:       resource.OwnerFields("coach_id", "client_id"),
		Filter: resource.RoleFilter(map[types.Role]string{
			types.RoleCoach:  "coach_id",
			types.RoleClient: "client_id",
		}),
		Validate: func(c *types.Conversation) error {
			if c.CoachID == "" || c.ClientID == "" {
				return errors.New("coach_id and client_id are required")
			}
			if c.CoachID == c.ClientID {
				return errors.New("a conversation needs two participants")
			}
			return nil
		},
	}
}

// MessageHooks scopes messages to their conversation
func MessageHooks() resource.Hooks[*types.Message] {
	return resource.Hooks[*types.Message]{
		ResourceType: types.ResourceMessages,
		Normalize:    resource.JSONNormalizer[types.Message](),
		Owners:       resource.OwnerFields("chat_id"),
		Filter:       resource.RoleFilter(map[types.Role]string{types.RoleChat: "chat_id"}),
		Validate:     validateMessage,
	}
}

func validateMessage(m *types.Message) error {
	var errs []error
	if m.ChatID == "" {
		errs = append(errs, errors.New("chat_id is required"))
	}
	if m.SenderID == "" {
		errs = append(errs, errors.New("sender_id is required"))
	}
	switch m.MessageType {
	case types.MessageText:
		if m.Content == "" {
			errs = append(errs, errors.New("content is required"))
		}
	case types.MessageImage, types.MessageVideo:
		if m.MediaURL == "" {
			errs = append(errs, fmt.Errorf("%s messages need a media_url", m.MessageType))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown message type %q", m.MessageType))
	}
	return errors.Join(errs...)
}

func chatOwner(chatID string) types.Owner {
	return types.Owner{ID: chatID, Role: types.RoleChat}
}
