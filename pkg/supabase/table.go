package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/client"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/tidwall/gjson"
)

// TableConfig describes how one resource type maps onto the backend
type TableConfig struct {
	ResourceType types.ResourceType

	// Name is the backend table; defaults to the resource type
	Name string

	// Select is the PostgREST select list used for reads and inserts (default "*")
	Select string

	// OrderBy is the column reads are sorted on, ascending (default "created_at")
	OrderBy string
}

// Table implements remote.ResourceClient for one Supabase table
type Table struct {
	cfg      TableConfig
	rest     *client.Client
	realtime *client.RealtimeClient

	mu       sync.Mutex
	channels map[string]*client.Channel

	logger zerolog.Logger
}

var _ remote.ResourceClient = (*Table)(nil)

// NewTable creates a table client sharing rest and realtime connections
func NewTable(rest *client.Client, realtime *client.RealtimeClient, cfg TableConfig) *Table {
	if cfg.Name == "" {
		cfg.Name = string(cfg.ResourceType)
	}
	if cfg.Select == "" {
		cfg.Select = "*"
	}
	if cfg.OrderBy == "" {
		cfg.OrderBy = "created_at"
	}
	return &Table{
		cfg:      cfg,
		rest:     rest,
		realtime: realtime,
		channels: make(map[string]*client.Channel),
		logger:   log.WithResource("supabase", string(cfg.ResourceType)),
	}
}

// ResourceType implements remote.ResourceClient
func (t *Table) ResourceType() types.ResourceType { return t.cfg.ResourceType }

// FetchAll implements remote.ResourceClient
func (t *Table) FetchAll(ctx context.Context, filter remote.Filter) (rows []json.RawMessage, err error) {
	defer t.observe("fetch", time.Now(), &err)

	q := t.rest.From(t.cfg.Name).Select(t.cfg.Select).Order(t.cfg.OrderBy, true)
	if !filter.IsZero() {
		q = q.Eq(filter.Column, filter.Value)
	}

	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, t.transportError("fetch", err)
	}
	if err := resp.Err(); err != nil {
		return nil, t.apiError("fetch", err)
	}

	body := gjson.ParseBytes(resp.Body)
	if !body.IsArray() {
		return nil, remote.NewError(remote.KindUnknown, "fetch", t.cfg.ResourceType, errors.New("response is not an array"))
	}
	body.ForEach(func(_, row gjson.Result) bool {
		rows = append(rows, json.RawMessage(row.Raw))
		return true
	})
	return rows, nil
}

// Create implements remote.ResourceClient
func (t *Table) Create(ctx context.Context, payload json.RawMessage) (row json.RawMessage, err error) {
	defer t.observe("create", time.Now(), &err)

	resp, err := t.rest.From(t.cfg.Name).Select(t.cfg.Select).ExecuteInsert(ctx, payload)
	if err != nil {
		return nil, t.transportError("create", err)
	}
	if err := resp.Err(); err != nil {
		return nil, t.apiError("create", err)
	}

	first := gjson.GetBytes(resp.Body, "0")
	if !first.Exists() {
		return nil, remote.NewError(remote.KindUnknown, "create", t.cfg.ResourceType, errors.New("insert returned no rows"))
	}
	return json.RawMessage(first.Raw), nil
}

// Update implements remote.ResourceClient. Zero matched rows is NotFound,
// which is also what row level security makes of someone else's record.
func (t *Table) Update(ctx context.Context, id string, partial map[string]any) (row json.RawMessage, err error) {
	defer t.observe("update", time.Now(), &err)

	resp, err := t.rest.From(t.cfg.Name).Eq("id", id).ExecuteUpdate(ctx, partial)
	if err != nil {
		return nil, t.transportError("update", err)
	}
	if err := resp.Err(); err != nil {
		return nil, t.apiError("update", err)
	}

	first := gjson.GetBytes(resp.Body, "0")
	if !first.Exists() {
		return nil, remote.NewError(remote.KindNotFound, "update", t.cfg.ResourceType, fmt.Errorf("no row %q", id))
	}
	return json.RawMessage(first.Raw), nil
}

// Delete implements remote.ResourceClient
func (t *Table) Delete(ctx context.Context, id string) (err error) {
	defer t.observe("delete", time.Now(), &err)

	resp, err := t.rest.From(t.cfg.Name).Eq("id", id).ExecuteDelete(ctx)
	if err != nil {
		return t.transportError("delete", err)
	}
	if err := resp.Err(); err != nil {
		return t.apiError("delete", err)
	}
	return nil
}

// OpenChangeFeed implements remote.ResourceClient
func (t *Table) OpenChangeFeed(ctx context.Context, filter remote.Filter, onEvent remote.EventHandler, onError remote.ErrorHandler) (handle remote.ChannelHandle, err error) {
	defer t.observe("open_feed", time.Now(), &err)

	if t.realtime == nil {
		return handle, remote.NewError(remote.KindUnknown, "open_feed", t.cfg.ResourceType, errors.New("realtime is not configured"))
	}

	var channelErr client.ChannelErrorHandler
	if onError != nil {
		channelErr = func(err error) {
			onError(remote.NewError(remote.KindTransient, "change_feed", t.cfg.ResourceType, err))
		}
	}

	ch, err := t.realtime.SubscribeToPostgresChanges(ctx, client.PostgresChangesConfig{
		Table:  t.cfg.Name,
		Filter: filter.String(),
	}, func(ev *client.RealtimeEvent) {
		change, ok := t.changeEvent(ev)
		if !ok {
			t.logger.Warn().Str("type", ev.Type).Msg("Dropping unrecognized change")
			return
		}
		if onEvent != nil {
			onEvent(change)
		}
	}, channelErr)
	if err != nil {
		kind := remote.KindTransient
		if errors.Is(err, client.ErrJoinRejected) {
			kind = remote.KindPermission
		} else if errors.Is(err, context.Canceled) {
			kind = remote.KindUnknown
		}
		return handle, remote.NewError(kind, "open_feed", t.cfg.ResourceType, err)
	}

	t.mu.Lock()
	t.channels[ch.Topic()] = ch
	t.mu.Unlock()

	return remote.ChannelHandle{ID: ch.Topic(), Topic: ch.Topic()}, nil
}

// CloseChangeFeed implements remote.ResourceClient
func (t *Table) CloseChangeFeed(ctx context.Context, handle remote.ChannelHandle) (err error) {
	t.mu.Lock()
	ch, ok := t.channels[handle.ID]
	delete(t.channels, handle.ID)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	defer t.observe("close_feed", time.Now(), &err)

	if err := ch.Unsubscribe(ctx); err != nil {
		return remote.NewError(remote.KindTransient, "close_feed", t.cfg.ResourceType, err)
	}
	return nil
}

func (t *Table) changeEvent(ev *client.RealtimeEvent) (types.ChangeEvent, bool) {
	change := types.ChangeEvent{
		ResourceType: t.cfg.ResourceType,
		ReceivedAt:   time.Now().UTC(),
	}
	switch ev.Type {
	case "INSERT":
		change.Kind = types.ChangeCreated
		change.Payload = ev.Record
		change.RecordID = gjson.GetBytes(ev.Record, "id").String()
	case "UPDATE":
		change.Kind = types.ChangeUpdated
		change.Payload = ev.Record
		change.RecordID = gjson.GetBytes(ev.Record, "id").String()
	case "DELETE":
		change.Kind = types.ChangeDeleted
		change.RecordID = gjson.GetBytes(ev.OldRecord, "id").String()
	default:
		return change, false
	}
	return change, change.RecordID != ""
}

func (t *Table) transportError(op string, err error) error {
	kind := remote.KindTransient
	if errors.Is(err, context.Canceled) {
		kind = remote.KindUnknown
	}
	return remote.NewError(kind, op, t.cfg.ResourceType, err)
}

func (t *Table) apiError(op string, err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return remote.NewError(remote.KindUnknown, op, t.cfg.ResourceType, err)
	}
	return &remote.Error{
		Kind:     remote.FromStatus(apiErr.StatusCode, apiErr.Code),
		Op:       op,
		Resource: t.cfg.ResourceType,
		Status:   apiErr.StatusCode,
		Code:     apiErr.Code,
		Err:      apiErr,
	}
}

func (t *Table) observe(op string, start time.Time, errp *error) {
	rt := string(t.cfg.ResourceType)
	metrics.RemoteRequestsTotal.WithLabelValues(rt, op, remote.Outcome(*errp)).Inc()
	metrics.RemoteRequestDuration.WithLabelValues(rt, op).Observe(time.Since(start).Seconds())

	if *errp != nil {
		t.logger.Debug().Err(*errp).Str("op", op).Msg("Remote request failed")
	}
}
