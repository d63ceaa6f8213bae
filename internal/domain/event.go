package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const ForceBuildKey = "force_build"

// Event is the invocation input. Every override is optional and defaults to
// the latest remote value of its component.
type Event struct {
	ForceBuild bool
	Overrides  map[string]string
}

func (e *Event) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = Event{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("event must be a json object: %w", err)
	}
	out := Event{Overrides: map[string]string{}}
	for key, value := range raw {
		if key == ForceBuildKey {
			if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
				continue
			}
			if err := json.Unmarshal(value, &out.ForceBuild); err != nil {
				return fmt.Errorf("%s must be a boolean", ForceBuildKey)
			}
			continue
		}
		var s *string
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("override %q must be a string", key)
		}
		if s == nil || strings.TrimSpace(*s) == "" {
			continue
		}
		out.Overrides[key] = strings.TrimSpace(*s)
	}
	*e = out
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Overrides)+1)
	for k, v := range e.Overrides {
		out[k] = v
	}
	if e.ForceBuild {
		out[ForceBuildKey] = true
	}
	return json.Marshal(out)
}

// OverrideNames returns override keys in sorted order.
func (e Event) OverrideNames() []string {
	names := make([]string, 0, len(e.Overrides))
	for k := range e.Overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParseEvent decodes an invocation payload. Decode failures are ErrInvalidEvent.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if len(bytes.TrimSpace(data)) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, InvalidEventError(err)
	}
	return ev, nil
}
