package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/tidwall/gjson"
)

const (
	heartbeatInterval = 30 * time.Second
	joinTimeout       = 10 * time.Second
)

var (
	// ErrRealtimeClosed is returned when the websocket is gone
	ErrRealtimeClosed = errors.New("realtime connection closed")

	// ErrJoinRejected is returned when the server refuses a channel join
	ErrJoinRejected = errors.New("realtime join rejected")
)

// RealtimeEvent is one postgres change pushed on a channel
type RealtimeEvent struct {
	Topic           string
	Type            string // INSERT, UPDATE or DELETE
	Schema          string
	Table           string
	Record          json.RawMessage
	OldRecord       json.RawMessage
	CommitTimestamp string
}

// EventHandler handles realtime events
type EventHandler func(event *RealtimeEvent)

// ChannelErrorHandler is called at most once when a joined channel dies
type ChannelErrorHandler func(err error)

// PostgresChangesConfig configures postgres changes subscription
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE, *
	Schema string
	Table  string
	Filter string // Optional filter like "client_id=eq.42"
}

// RealtimeClient handles Supabase Realtime subscriptions over one websocket.
// Events of a channel are delivered in arrival order from the read loop.
type RealtimeClient struct {
	url    string
	apiKey string
	dialer websocket.Dialer

	mu          sync.RWMutex
	conn        *websocket.Conn
	done        chan struct{}
	closing     bool
	channels    map[string]*Channel
	joins       map[string]chan joinReply
	accessToken string
	ref         int

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	logger zerolog.Logger
}

// Channel is one joined postgres_changes topic
type Channel struct {
	client  *RealtimeClient
	topic   string
	joinRef string
	config  PostgresChangesConfig

	handler EventHandler
	onError ChannelErrorHandler
	errOnce sync.Once
}

// Topic returns the channel topic
func (c *Channel) Topic() string { return c.topic }

type joinReply struct {
	status string
	reason string
	err    error
}

type phxMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

// NewRealtimeClient creates a new realtime client
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	// Convert HTTP URL to WebSocket URL
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + strings.TrimPrefix(wsURL, "https")
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"

	return &RealtimeClient{
		url:         wsURL,
		apiKey:      apiKey,
		dialer:      websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		channels:    make(map[string]*Channel),
		joins:       make(map[string]chan joinReply),
		accessToken: apiKey,
		logger:      log.WithComponent("realtime"),
	}
}

// SetAccessToken sets the JWT sent on joins and pushes it to joined channels.
// An empty token reverts to the API key.
func (r *RealtimeClient) SetAccessToken(token string) {
	if token == "" {
		token = r.apiKey
	}
	r.mu.Lock()
	r.accessToken = token
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		msg := phxMessage{
			Topic:   ch.topic,
			Event:   "access_token",
			Payload: map[string]any{"access_token": token},
			Ref:     r.nextRef(),
			JoinRef: ch.joinRef,
		}
		if err := r.write(msg); err != nil {
			r.logger.Warn().Err(err).Str("topic", ch.topic).Msg("Failed to push access token")
		}
	}
}

// Connect establishes the WebSocket connection. Calling it while connected
// is a no-op.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRealtime, false, err.Error())
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})
	r.closing = false

	go r.readLoop(conn, r.done)
	go r.heartbeat(r.done)

	metrics.UpdateComponent(metrics.ComponentRealtime, true, "connected")
	r.logger.Debug().Msg("Realtime connected")
	return nil
}

// Disconnect closes the WebSocket connection. Channels are dropped without
// their error handlers being called.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	r.conn = nil
	close(r.done)
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	r.writeMu.Lock()
	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()

	conn.Close()
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// Connected reports whether the websocket is up
func (r *RealtimeClient) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil
}

// SubscribeToPostgresChanges joins a channel for the changes described by cfg
// and waits for the server to acknowledge it. handler runs on the read loop
// for every change, in order; onError runs at most once if the channel dies.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler EventHandler, onError ChannelErrorHandler) (*Channel, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}
	if cfg.Table == "" {
		return nil, errors.New("table is required")
	}

	if err := r.Connect(ctx); err != nil {
		return nil, err
	}

	ref := r.nextRef()
	ch := &Channel{
		client:  r,
		topic:   "realtime:coachsync-" + ref,
		joinRef: ref,
		config:  cfg,
		handler: handler,
		onError: onError,
	}
	reply := make(chan joinReply, 1)

	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return nil, ErrRealtimeClosed
	}
	done := r.done
	token := r.accessToken
	r.channels[ch.topic] = ch
	r.joins[ref] = reply
	r.mu.Unlock()

	change := map[string]any{
		"event":  cfg.Event,
		"schema": cfg.Schema,
		"table":  cfg.Table,
	}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	join := phxMessage{
		Topic: ch.topic,
		Event: "phx_join",
		Payload: map[string]any{
			"config": map[string]any{
				"broadcast":        map[string]any{"self": false},
				"presence":         map[string]any{"key": ""},
				"postgres_changes": []any{change},
			},
			"access_token": token,
		},
		Ref:     ref,
		JoinRef: ref,
	}

	if err := r.write(join); err != nil {
		r.dropChannel(ch.topic, ref)
		return nil, fmt.Errorf("send join: %w", err)
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		r.mu.Lock()
		delete(r.joins, ref)
		r.mu.Unlock()
		if res.err != nil {
			r.dropChannel(ch.topic, ref)
			return nil, res.err
		}
		if res.status != "ok" {
			r.dropChannel(ch.topic, ref)
			return nil, fmt.Errorf("%w: %s", ErrJoinRejected, res.reason)
		}
	case <-ctx.Done():
		r.dropChannel(ch.topic, ref)
		return nil, ctx.Err()
	case <-timer.C:
		r.dropChannel(ch.topic, ref)
		return nil, fmt.Errorf("join %s: %w", ch.topic, context.DeadlineExceeded)
	case <-done:
		r.dropChannel(ch.topic, ref)
		return nil, ErrRealtimeClosed
	}

	r.logger.Debug().
		Str("topic", ch.topic).
		Str("table", cfg.Table).
		Str("filter", cfg.Filter).
		Msg("Channel joined")
	return ch, nil
}

// Unsubscribe leaves the channel. No handler of the channel runs once it
// returns, except one that was already running.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	r := c.client

	r.mu.Lock()
	_, tracked := r.channels[c.topic]
	delete(r.channels, c.topic)
	connected := r.conn != nil
	r.mu.Unlock()

	if !tracked || !connected {
		return nil
	}

	msg := phxMessage{
		Topic:   c.topic,
		Event:   "phx_leave",
		Payload: map[string]any{},
		Ref:     r.nextRef(),
		JoinRef: c.joinRef,
	}
	if err := r.write(msg); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

func (c *Channel) fail(err error) {
	c.errOnce.Do(func() {
		if c.onError != nil {
			c.onError(err)
		}
	})
}

func (r *RealtimeClient) dropChannel(topic, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, topic)
	delete(r.joins, ref)
}

func (r *RealtimeClient) nextRef() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) write(msg phxMessage) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return ErrRealtimeClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			r.connectionLost(conn, done, err)
			return
		}
		if !gjson.ValidBytes(message) {
			continue
		}
		r.route(message)
	}
}

func (r *RealtimeClient) route(message []byte) {
	msg := gjson.ParseBytes(message)
	topic := msg.Get("topic").String()
	payload := msg.Get("payload")

	switch msg.Get("event").String() {
	case "phx_reply":
		r.mu.RLock()
		reply, ok := r.joins[msg.Get("ref").String()]
		r.mu.RUnlock()
		if !ok {
			return
		}
		select {
		case reply <- joinReply{
			status: payload.Get("status").String(),
			reason: payload.Get("response.reason").String(),
		}:
		default:
		}

	case "postgres_changes":
		ch := r.channel(topic)
		if ch == nil || ch.handler == nil {
			return
		}
		data := payload.Get("data")
		ch.handler(&RealtimeEvent{
			Topic:           topic,
			Type:            data.Get("type").String(),
			Schema:          data.Get("schema").String(),
			Table:           data.Get("table").String(),
			Record:          rawOf(data.Get("record")),
			OldRecord:       rawOf(data.Get("old_record")),
			CommitTimestamp: data.Get("commit_timestamp").String(),
		})

	case "phx_error":
		r.failChannel(topic, fmt.Errorf("channel %s errored", topic))

	case "phx_close":
		r.failChannel(topic, fmt.Errorf("channel %s closed by server", topic))

	case "system":
		if payload.Get("status").String() == "error" {
			r.failChannel(topic, fmt.Errorf("channel %s: %s", topic, payload.Get("message").String()))
		}
	}
}

func rawOf(res gjson.Result) json.RawMessage {
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(res.Raw)
}

func (r *RealtimeClient) channel(topic string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[topic]
}

func (r *RealtimeClient) failChannel(topic string, err error) {
	r.mu.Lock()
	ch := r.channels[topic]
	delete(r.channels, topic)
	r.mu.Unlock()

	if ch == nil {
		return
	}
	r.logger.Warn().Err(err).Str("topic", topic).Msg("Channel failed")
	ch.fail(err)
}

// connectionLost fails every channel unless the connection was closed on purpose
func (r *RealtimeClient) connectionLost(conn *websocket.Conn, done chan struct{}, err error) {
	r.mu.Lock()
	if r.conn != conn {
		// Disconnect already replaced the connection
		r.mu.Unlock()
		return
	}
	intentional := r.closing
	r.conn = nil
	close(done)
	channels := r.channels
	r.channels = make(map[string]*Channel)
	joins := r.joins
	r.joins = make(map[string]chan joinReply)
	r.mu.Unlock()

	conn.Close()
	if intentional {
		return
	}

	r.logger.Warn().Err(err).Int("channels", len(channels)).Msg("Realtime connection lost")
	metrics.UpdateComponent(metrics.ComponentRealtime, false, err.Error())

	lost := fmt.Errorf("%w: %v", ErrRealtimeClosed, err)
	for _, reply := range joins {
		select {
		case reply <- joinReply{err: lost}:
		default:
		}
	}
	for _, ch := range channels {
		ch.fail(lost)
	}
}

func (r *RealtimeClient) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msg := phxMessage{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: map[string]any{},
				Ref:     r.nextRef(),
			}
			if err := r.write(msg); err != nil {
				r.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}
