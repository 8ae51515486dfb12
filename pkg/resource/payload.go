package resource

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ProvisionalPrefix marks ids generated on-device for records the backend has
// not confirmed yet
const ProvisionalPrefix = "local-"

// IsProvisional reports whether id was generated on-device
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

func newProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

var metaFields = []string{"id", "created_at", "updated_at"}

// toMap decodes a JSON object, treating an empty payload as empty
func toMap(payload json.RawMessage) (map[string]any, error) {
	m := make(map[string]any)
	if len(payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

// jsonShaped round-trips a partial so typed values (times, enums) compare and
// merge as the backend will see them
func jsonShaped(partial map[string]any) (map[string]any, error) {
	data, err := json.Marshal(partial)
	if err != nil {
		return nil, fmt.Errorf("encode partial: %w", err)
	}
	return toMap(data)
}

// merge overlays patch on base and returns the combined object
func merge(base json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	m, err := toMap(base)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		m[k] = v
	}
	return json.Marshal(m)
}

// without drops keys from a payload
func without(payload json.RawMessage, keys ...string) (json.RawMessage, error) {
	m, err := toMap(payload)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		delete(m, k)
	}
	return json.Marshal(m)
}

// carryOver copies keys missing from payload out of previous
func carryOver(payload, previous json.RawMessage, keys []string) json.RawMessage {
	if len(previous) == 0 || len(keys) == 0 {
		return payload
	}
	var missing []string
	for _, k := range keys {
		if !gjson.GetBytes(payload, k).Exists() && gjson.GetBytes(previous, k).Exists() {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return payload
	}

	m, err := toMap(payload)
	if err != nil {
		return payload
	}
	for _, k := range missing {
		m[k] = json.RawMessage(gjson.GetBytes(previous, k).Raw)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}

// stamp sets the meta fields of a locally produced payload
func stamp(payload json.RawMessage, id string, createdAt, updatedAt time.Time) (json.RawMessage, error) {
	fields := map[string]any{
		"id":         id,
		"updated_at": updatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !createdAt.IsZero() {
		fields["created_at"] = createdAt.UTC().Format(time.RFC3339Nano)
	}
	return merge(payload, fields)
}

// encodeForCreate renders a record as an insert payload: server-owned meta
// and embedded relations are left out
func encodeForCreate(record any, embedded []string) (json.RawMessage, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return without(data, append(append([]string(nil), metaFields...), embedded...)...)
}

// recordCreatedAt reads created_at from a payload, zero when absent
func recordCreatedAt(payload json.RawMessage) time.Time {
	v := gjson.GetBytes(payload, "created_at")
	if !v.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil {
		return time.Time{}
	}
	return t
}
