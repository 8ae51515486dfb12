// Package remotetest provides an in-memory remote backend for tests.
//
// A Backend holds one Table per resource type. Tables implement
// remote.ResourceClient, assign server ids, keep updated_at monotonic, push
// change events to open feeds and let tests inject failures per operation and
// record id.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
)

// Op names a ResourceClient operation for failure injection
type Op string

const (
	OpFetch     Op = "fetch"
	OpCreate    Op = "create"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpOpenFeed  Op = "open_feed"
	OpCloseFeed Op = "close_feed"
)

// AnyID matches every record id in FailOn
const AnyID = "*"

// Backend is a set of in-memory tables sharing one clock
type Backend struct {
	mu     sync.Mutex
	tables map[types.ResourceType]*Table
	now     time.Time
	seq     int
	offline bool
}

// NewBackend creates an empty backend whose clock starts at a fixed instant
func NewBackend() *Backend {
	return &Backend{
		tables: make(map[types.ResourceType]*Table),
		now:    time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC),
	}
}

// Table returns the table for rt, creating it on first use
func (b *Backend) Table(rt types.ResourceType) *Table {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tables[rt]
	if !ok {
		t = &Table{
			backend:  b,
			rt:       rt,
			rows:     make(map[string]map[string]any),
			feeds:    make(map[string]*feed),
			failures: make(map[failKey]remote.Kind),
			calls:    make(map[Op]int),
			offline:  b.offline,
		}
		b.tables[rt] = t
	}
	return t
}

// Client returns the table for rt as a remote.ResourceClient
func (b *Backend) Client(rt types.ResourceType) (remote.ResourceClient, error) {
	return b.Table(rt), nil
}

// Clock returns the backend's current time
func (b *Backend) Clock() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// SetOffline makes every operation on every table, including tables created
// later, fail as transient
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	tables := make([]*Table, 0, len(b.tables))
	for _, t := range b.tables {
		tables = append(tables, t)
	}
	b.mu.Unlock()

	for _, t := range tables {
		t.SetOffline(offline)
	}
}

// tick advances the clock so every write gets a distinct timestamp
func (b *Backend) tick() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = b.now.Add(time.Millisecond)
	return b.now
}

func (b *Backend) nextID(prefix string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

type failKey struct {
	op Op
	id string
}

type feed struct {
	handle  remote.ChannelHandle
	filter  remote.Filter
	onEvent remote.EventHandler
	onError remote.ErrorHandler
}

// Table is an in-memory remote.ResourceClient for one resource type
type Table struct {
	backend *Backend
	rt      types.ResourceType

	mu       sync.Mutex
	rows     map[string]map[string]any
	order    []string
	feeds    map[string]*feed
	opened   []remote.ChannelHandle
	closed   []remote.ChannelHandle
	failures map[failKey]remote.Kind
	offline  bool
	calls    map[Op]int
	manual   bool
	joins    []join
}

// join rebuilds an embedded array from a child table on every fetch
type join struct {
	child *Table
	fk    string
	path  []string
}

var _ remote.ResourceClient = (*Table)(nil)

// ResourceType implements remote.ResourceClient
func (t *Table) ResourceType() types.ResourceType { return t.rt }

// SetOffline makes every operation fail as transient
func (t *Table) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

// FailOn makes op fail with kind for record id (AnyID for all) until Heal
func (t *Table) FailOn(op Op, id string, kind remote.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[failKey{op, id}] = kind
}

// Heal removes every injected failure and brings the table online
func (t *Table) Heal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = make(map[failKey]remote.Kind)
	t.offline = false
}

// ManualEvents stops writes from emitting change events; use Emit instead
func (t *Table) ManualEvents(manual bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manual = manual
}

// Embed makes FetchAll rebuild the array at path from child's rows, as a
// select with an embedded resource does. The last path element is filled
// with the child rows whose fk equals the id of the object holding it; the
// elements before it walk nested arrays, e.g. Embed(foods, "meal_id",
// "meals", "foods").
func (t *Table) Embed(child *Table, fk string, path ...string) {
	if len(path) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins = append(t.joins, join{child: child, fk: fk, path: path})
}

// Seed inserts rows directly without emitting events; ids are kept
func (t *Table) Seed(rows ...map[string]any) {
	for _, row := range rows {
		now := t.backend.tick()
		row = cloneRow(row)
		id, _ := row["id"].(string)
		if id == "" {
			id = t.backend.nextID(string(t.rt))
			row["id"] = id
		}
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = now.Format(time.RFC3339Nano)
		}
		if _, ok := row["updated_at"]; !ok {
			row["updated_at"] = now.Format(time.RFC3339Nano)
		}

		t.mu.Lock()
		if _, exists := t.rows[id]; !exists {
			t.order = append(t.order, id)
		}
		t.rows[id] = row
		t.mu.Unlock()
	}
}

// Row returns a copy of a stored row, or nil
func (t *Table) Row(id string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		return nil
	}
	return cloneRow(row)
}

// Len returns the number of stored rows
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Calls returns how often op was invoked, failures included
func (t *Table) Calls(op Op) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Opened returns every handle opened so far, in order
func (t *Table) Opened() []remote.ChannelHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]remote.ChannelHandle(nil), t.opened...)
}

// Closed returns every handle closed so far, in order
func (t *Table) Closed() []remote.ChannelHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]remote.ChannelHandle(nil), t.closed...)
}

// OpenFeeds returns the number of feeds currently open
func (t *Table) OpenFeeds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.feeds)
}

// check records the call and returns an injected failure, if any.
// Callers hold t.mu.
func (t *Table) check(op Op, id string) error {
	t.calls[op]++
	if t.offline {
		return remote.NewError(remote.KindTransient, string(op), t.rt, errors.New("network unreachable"))
	}
	kind, ok := t.failures[failKey{op, id}]
	if !ok {
		kind, ok = t.failures[failKey{op, AnyID}]
	}
	if !ok {
		return nil
	}
	return remote.NewError(kind, string(op), t.rt, fmt.Errorf("injected %s failure for %q", kind, id))
}

// FetchAll implements remote.ResourceClient
func (t *Table) FetchAll(ctx context.Context, filter remote.Filter) ([]json.RawMessage, error) {
	t.mu.Lock()
	joins := append([]join(nil), t.joins...)
	t.mu.Unlock()

	// child rows are read before t.mu is taken again
	children := make([]map[string][]map[string]any, len(joins))
	for i, j := range joins {
		children[i] = j.child.groupBy(j.fk)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(OpFetch, AnyID); err != nil {
		return nil, err
	}

	var out []json.RawMessage
	for _, id := range t.order {
		row, ok := t.rows[id]
		if !ok || !matches(filter, row) {
			continue
		}
		for i, j := range joins {
			row = embed(row, j.path, children[i])
		}
		data, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Create implements remote.ResourceClient
func (t *Table) Create(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var row map[string]any
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, remote.NewError(remote.KindValidation, string(OpCreate), t.rt, err)
	}

	t.mu.Lock()
	if err := t.check(OpCreate, AnyID); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	now := t.backend.tick()
	id, _ := row["id"].(string)
	if id == "" {
		id = t.backend.nextID(string(t.rt))
	}
	row["id"] = id
	row["created_at"] = now.Format(time.RFC3339Nano)
	row["updated_at"] = now.Format(time.RFC3339Nano)

	t.mu.Lock()
	if _, exists := t.rows[id]; exists {
		t.mu.Unlock()
		return nil, remote.NewError(remote.KindValidation, string(OpCreate), t.rt, fmt.Errorf("duplicate key %q", id))
	}
	t.rows[id] = row
	t.order = append(t.order, id)
	data, err := json.Marshal(row)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.emit(types.ChangeCreated, id, data, row)
	return data, nil
}

// Update implements remote.ResourceClient
func (t *Table) Update(ctx context.Context, id string, partial map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	if err := t.check(OpUpdate, id); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	row, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return nil, remote.NewError(remote.KindNotFound, string(OpUpdate), t.rt, fmt.Errorf("no row %q", id))
	}
	t.mu.Unlock()

	now := t.backend.tick()

	t.mu.Lock()
	for k, v := range partial {
		if k == "id" || k == "created_at" {
			continue
		}
		row[k] = normalizeValue(v)
	}
	row["updated_at"] = now.Format(time.RFC3339Nano)
	snapshot := cloneRow(row)
	data, err := json.Marshal(row)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.emit(types.ChangeUpdated, id, data, snapshot)
	return data, nil
}

// Delete implements remote.ResourceClient. Deleting a missing row succeeds.
func (t *Table) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	if err := t.check(OpDelete, id); err != nil {
		t.mu.Unlock()
		return err
	}
	row, ok := t.rows[id]
	if ok {
		delete(t.rows, id)
		for i, o := range t.order {
			if o == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()

	if ok {
		t.emit(types.ChangeDeleted, id, nil, row)
	}
	return nil
}

// OpenChangeFeed implements remote.ResourceClient
func (t *Table) OpenChangeFeed(ctx context.Context, filter remote.Filter, onEvent remote.EventHandler, onError remote.ErrorHandler) (remote.ChannelHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(OpOpenFeed, AnyID); err != nil {
		return remote.ChannelHandle{}, err
	}

	handle := remote.ChannelHandle{
		ID:    t.backend.nextID("feed"),
		Topic: fmt.Sprintf("realtime:public:%s:%s", t.rt, filter),
	}
	t.feeds[handle.ID] = &feed{handle: handle, filter: filter, onEvent: onEvent, onError: onError}
	t.opened = append(t.opened, handle)
	return handle, nil
}

// CloseChangeFeed implements remote.ResourceClient. Like the realtime
// client, the feed is released locally even when the unsubscribe call fails.
func (t *Table) CloseChangeFeed(ctx context.Context, handle remote.ChannelHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.feeds[handle.ID]; !ok {
		return nil
	}
	delete(t.feeds, handle.ID)
	t.closed = append(t.closed, handle)
	return t.check(OpCloseFeed, AnyID)
}

// Emit pushes an event to every open feed whose filter matches row.
// A nil row reaches every feed.
func (t *Table) Emit(kind types.ChangeKind, id string, row map[string]any) {
	var data json.RawMessage
	if row != nil && kind != types.ChangeDeleted {
		data, _ = json.Marshal(row)
	}
	t.deliver(kind, id, data, row)
}

// FailFeed reports err on an open feed and closes it, as a dropped socket would
func (t *Table) FailFeed(handle remote.ChannelHandle, err error) {
	t.mu.Lock()
	f, ok := t.feeds[handle.ID]
	if ok {
		delete(t.feeds, handle.ID)
	}
	t.mu.Unlock()

	if ok && f.onError != nil {
		f.onError(err)
	}
}

func (t *Table) emit(kind types.ChangeKind, id string, data json.RawMessage, row map[string]any) {
	t.mu.Lock()
	manual := t.manual
	t.mu.Unlock()
	if manual {
		return
	}
	t.deliver(kind, id, data, row)
}

func (t *Table) deliver(kind types.ChangeKind, id string, data json.RawMessage, row map[string]any) {
	t.mu.Lock()
	var targets []*feed
	for _, f := range t.feeds {
		if row == nil || matches(f.filter, row) {
			targets = append(targets, f)
		}
	}
	t.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].handle.ID < targets[j].handle.ID })
	for _, f := range targets {
		f.onEvent(types.ChangeEvent{
			Kind:         kind,
			ResourceType: t.rt,
			RecordID:     id,
			Payload:      data,
			ReceivedAt:   t.backend.Clock(),
		})
	}
}

func matches(filter remote.Filter, row map[string]any) bool {
	if filter.IsZero() {
		return true
	}
	v, ok := row[filter.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == filter.Value
}

// groupBy returns copies of the rows keyed by their fk value, in insert order
func (t *Table) groupBy(fk string) map[string][]map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]map[string]any)
	for _, id := range t.order {
		row := t.rows[id]
		key := fmt.Sprint(row[fk])
		out[key] = append(out[key], cloneRow(row))
	}
	return out
}

// embed returns a copy of row with the array at path rebuilt from children
func embed(row map[string]any, path []string, children map[string][]map[string]any) map[string]any {
	out := cloneRow(row)
	field := path[0]
	if len(path) == 1 {
		kids := children[fmt.Sprint(row["id"])]
		if kids == nil {
			kids = []map[string]any{}
		}
		out[field] = kids
		return out
	}

	var nested []map[string]any
	for _, el := range objects(row[field]) {
		nested = append(nested, embed(el, path[1:], children))
	}
	if nested != nil {
		out[field] = nested
	}
	return out
}

func objects(v any) []map[string]any {
	switch x := v.(type) {
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// normalizeValue keeps stored rows JSON-shaped
func normalizeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return v
}
