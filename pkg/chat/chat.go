package chat

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// Service syncs coach/client conversations and their messages
type Service struct {
	conversations *resource.Service[*types.Conversation]
	messages      *resource.Service[*types.Message]
	clock         func() time.Time
	logger        zerolog.Logger
}

// NewService creates a chat service. shared carries the store, registry,
// events and clock; its Client is ignored.
func NewService(conversations, messages remote.ResourceClient, shared resource.Config) (*Service, error) {
	cc := shared
	cc.Client = conversations
	cs, err := resource.NewService(ConversationHooks(), cc)
	if err != nil {
		return nil, err
	}

	mc := shared
	mc.Client = messages
	ms, err := resource.NewService(MessageHooks(), mc)
	if err != nil {
		return nil, err
	}

	clock := shared.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		conversations: cs,
		messages:      ms,
		clock:         clock,
		logger:        log.WithComponent("chat"),
	}, nil
}

// Syncers returns the underlying services, conversations first
func (s *Service) Syncers() []resource.Syncer {
	return []resource.Syncer{s.conversations, s.messages}
}

// Conversations returns the owner's conversations, most recently active first
func (s *Service) Conversations(ctx context.Context, owner types.Owner) (*resource.LoadResult[*types.Conversation], error) {
	res, err := s.conversations.Load(ctx, owner)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res.Records, func(i, j int) bool {
		return res.Records[i].LastMessageAt.After(res.Records[j].LastMessageAt)
	})
	return res, nil
}

// SubscribeConversations streams changes to the owner's conversations
func (s *Service) SubscribeConversations(ctx context.Context, owner types.Owner, onChange func(resource.Change[*types.Conversation]), onError func(error)) error {
	return s.conversations.Subscribe(ctx, owner, onChange, onError)
}

// UnsubscribeConversations stops the owner's conversation feed
func (s *Service) UnsubscribeConversations(ctx context.Context, owner types.Owner) {
	s.conversations.Unsubscribe(ctx, owner)
}

// OpenConversation returns the conversation between a coach and a client,
// creating it when none exists yet. created reports which happened.
func (s *Service) OpenConversation(ctx context.Context, coachID, clientID string) (conv *types.Conversation, created bool, err error) {
	res, err := s.conversations.Load(ctx, types.Owner{ID: coachID, Role: types.RoleCoach})
	if err != nil {
		return nil, false, err
	}
	for _, c := range res.Records {
		if c.ClientID == clientID {
			return c, false, nil
		}
	}

	conv, err = s.conversations.Create(ctx, &types.Conversation{
		CoachID:       coachID,
		ClientID:      clientID,
		LastMessageAt: s.clock().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	s.logger.Info().
		Str("chat_id", conv.ID).
		Str("coach_id", coachID).
		Str("client_id", clientID).
		Msg("Conversation created")
	return conv, true, nil
}

// Messages returns the messages of a conversation, oldest first
func (s *Service) Messages(ctx context.Context, chatID string) (*resource.LoadResult[*types.Message], error) {
	res, err := s.messages.Load(ctx, chatOwner(chatID))
	if err != nil {
		return nil, err
	}
	resource.SortByCreated(res.Records)
	return res, nil
}

// SubscribeMessages streams changes to the messages of one conversation
func (s *Service) SubscribeMessages(ctx context.Context, chatID string, onChange func(resource.Change[*types.Message]), onError func(error)) error {
	return s.messages.Subscribe(ctx, chatOwner(chatID), onChange, onError)
}

// UnsubscribeMessages stops the message feed of one conversation
func (s *Service) UnsubscribeMessages(ctx context.Context, chatID string) {
	s.messages.Unsubscribe(ctx, chatOwner(chatID))
}

// SendMessage posts a message and moves the conversation's last_message_at
// to the message's creation time. The message is kept even when the
// conversation bump fails.
func (s *Service) SendMessage(ctx context.Context, m *types.Message) (*types.Message, error) {
	if resource.IsProvisional(m.ChatID) {
		return nil, remote.NewError(remote.KindTransient, "create", types.ResourceMessages,
			errors.New("conversation is not synced yet"))
	}

	input := *m
	input.IsRead = false
	if input.MessageType == "" {
		input.MessageType = types.MessageText
	}

	sent, err := s.messages.Create(ctx, &input)
	if err != nil {
		return nil, err
	}

	at := sent.CreatedAt
	if at.IsZero() {
		at = s.clock()
	}
	if _, err := s.conversations.Update(ctx, sent.ChatID, map[string]any{"last_message_at": at.UTC()}); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", sent.ChatID).Msg("Failed to update last message time")
	}
	return sent, nil
}

// RemoveMessage deletes one message
func (s *Service) RemoveMessage(ctx context.Context, id string) (types.Origin, error) {
	return s.messages.Remove(ctx, id)
}

// MarkRead marks every unread message the reader did not send as read.
// Messages that fail stay unread and are reported; the others stay read.
func (s *Service) MarkRead(ctx context.Context, chatID, readerID string) (*types.CompositeResult, error) {
	res, err := s.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}

	result := &types.CompositeResult{}
	for _, m := range unread(res.Records, readerID) {
		if _, err := s.messages.UpdateRemote(ctx, m.ID, map[string]any{"is_read": true}); err != nil {
			result.Failed = append(result.Failed, types.SubFailure{RecordID: m.ID, Err: err})
			continue
		}
		result.Succeeded = append(result.Succeeded, m.ID)
	}

	if !result.OK() {
		metrics.CompositeFailures.WithLabelValues(string(types.ResourceMessages), "mark_read").Inc()
		s.logger.Warn().
			Str("chat_id", chatID).
			Strs("failed", result.FailedIDs()).
			Msg("Some messages could not be marked read")
	}
	return result, result.Err()
}

// UnreadCount counts the messages of a conversation the reader has not read
func (s *Service) UnreadCount(ctx context.Context, chatID, readerID string) (int, error) {
	res, err := s.Messages(ctx, chatID)
	if err != nil {
		return 0, err
	}
	return len(unread(res.Records, readerID)), nil
}

func unread(messages []*types.Message, readerID string) []*types.Message {
	var out []*types.Message
	for _, m := range messages {
		if !m.IsRead && m.SenderID != readerID {
			out = append(out, m)
		}
	}
	return out
}
