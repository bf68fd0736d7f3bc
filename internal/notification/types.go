package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire type tags.
const (
	TypeBonusScoreChanged = "bonus-score-changed"
	TypeTaskCommented     = "task-solution-commented"
	TypeTaskReviewed      = "task-solution-reviewed"
	TypeLessonOpened      = "lesson-opened"
)

// Review status tags under objectData.status.type.
const (
	StatusAccepted = "accepted"
	StatusRework   = "rework"
)

// Raw is one entry of the LMS notificationMap. ObjectData is decoded with
// json.Decoder.UseNumber, so numbers arrive as json.Number.
type Raw struct {
	ID         int64          `json:"id"`
	IsRead     bool           `json:"isRead"`
	Type       string         `json:"type"`
	AddedTime  Timestamp      `json:"addedTime"`
	ObjectData map[string]any `json:"objectData"`

	// DecodeErr is set by ParseRaw when the entry did not decode. Format
	// returns it instead of rendering.
	DecodeErr error `json:"-"`
}

// Formatted is a rendered notification ready for delivery.
type Formatted struct {
	ID   int64
	Kind Kind
	Text string
}

// Timestamp accepts the layouts the LMS has been seen to emit. Raw keeps
// the value as sent; an empty, null or unrecognized value leaves the zero
// time. Nothing renders addedTime, so it never fails a notification.
type Timestamp struct {
	time.Time
	Raw string
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	t.Raw = s
	if s == "" {
		return nil
	}
	// Unix seconds.
	if b[0] != '"' {
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.Unix(sec, 0).UTC()
		}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return nil
}

// ParseRaw decodes one notificationMap entry stored under id. An entry that
// does not fit Raw is returned with DecodeErr set to a *MalformedError, so
// one odd entry never costs the rest of the batch.
func ParseRaw(id int64, entry []byte) Raw {
	var raw Raw
	trimmed := bytes.TrimSpace(entry)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Raw{ID: id, DecodeErr: &MalformedError{ID: id, Err: errors.New("entry is not an object")}}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Raw{ID: id, DecodeErr: &MalformedError{ID: id, Err: err}}
	}
	if raw.ID == 0 {
		raw.ID = id
	}
	return raw
}

// MalformedError reports a notification whose payload lacks a field (or has
// it with the wrong type) that its kind needs. Field is empty when the entry
// as a whole could not be decoded; Err then holds the decode error.
type MalformedError struct {
	ID    int64
	Field string
	Err   error
}

func (e *MalformedError) Error() string {
	if e.Field == "" && e.Err != nil {
		return fmt.Sprintf("notification %d: malformed entry: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("notification %d: malformed field %q", e.ID, e.Field)
}

func (e *MalformedError) Unwrap() error { return e.Err }
