package record

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/model"
)

// Diff returns the keys of proposed whose values differ from current,
// sorted by key. Keys absent from proposed are unchanged.
func Diff(current, proposed map[string]any) []model.FieldChange {
	var changes []model.FieldChange
	for k, after := range proposed {
		before := current[k]
		if field.Equal(before, after) {
			continue
		}
		changes = append(changes, model.FieldChange{Key: k, Before: before, After: after})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// ChangedKeys returns the keys of changes.
func ChangedKeys(changes []model.FieldChange) []string {
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = c.Key
	}
	return keys
}

// Apply merges changes into data and returns the merged copy.
func Apply(data map[string]any, changes []model.FieldChange) map[string]any {
	out := make(map[string]any, len(data)+len(changes))
	for k, v := range data {
		out[k] = v
	}
	for _, c := range changes {
		out[c.Key] = c.After
	}
	return out
}

// FilterText renders a data value the way list filters compare it.
func FilterText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
