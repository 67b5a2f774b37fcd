// Package realtime carries row change events from writers to subscribers
// over Redis pub/sub, one topic per table filter.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// Change is a committed row change. New is empty for deletes and Old is empty
// for inserts.
type Change struct {
	Type            ChangeType      `json:"type"`
	Table           string          `json:"table"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

func NewChange(typ ChangeType, table string, newRow, oldRow any) (Change, error) {
	change := Change{Type: typ, Table: table, CommitTimestamp: time.Now().UTC()}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal new row: %w", err)
		}
		change.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal old row: %w", err)
		}
		change.Old = raw
	}
	return change, nil
}

func (c Change) DecodeNew(v any) error {
	if len(c.New) == 0 {
		return fmt.Errorf("%s change on %s has no new row", c.Type, c.Table)
	}
	return json.Unmarshal(c.New, v)
}

func (c Change) DecodeOld(v any) error {
	if len(c.Old) == 0 {
		return fmt.Errorf("%s change on %s has no old row", c.Type, c.Table)
	}
	return json.Unmarshal(c.Old, v)
}

// Filter scopes a subscription to rows of Table whose Column equals Value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func Eq(table, column, value string) Filter {
	return Filter{Table: table, Column: column, Value: value}
}

func (f Filter) Topic() string {
	return "realtime:" + f.Table + ":" + f.Column + "=eq." + f.Value
}
