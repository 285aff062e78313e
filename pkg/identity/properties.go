package identity

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/info-baruzotech/posthog/pkg/models"
)

// PropertyUpdates are the person property mutations carried by one event.
type PropertyUpdates struct {
	Set     map[string]any
	SetOnce map[string]any
	Unset   []string
}

// PropertyUpdatesFromEvent reads $set, $set_once and $unset. $unset may be a list of keys or an
// object whose keys are unset.
func PropertyUpdatesFromEvent(properties map[string]any) PropertyUpdates {
	return PropertyUpdates{
		Set:     objectProperty(properties, models.PropertySet),
		SetOnce: objectProperty(properties, models.PropertySetOnce),
		Unset:   unsetKeys(properties[models.PropertyUnset]),
	}
}

// IsEmpty reports whether the event carries no property mutation at all.
func (u PropertyUpdates) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.SetOnce) == 0 && len(u.Unset) == 0
}

// PropertyDelta is the outcome of applying PropertyUpdates to a property mapping.
type PropertyDelta struct {
	Properties models.Properties
	Changed    bool
	// Written holds the keys whose value changed and the operation that last wrote them.
	Written map[string]models.PropertyOperation
	// Removed holds the keys that existed and were unset.
	Removed []string
}

// ApplyPropertyUpdates applies set_once (only for absent keys), then set (overwriting), then
// unset. current is never mutated.
func ApplyPropertyUpdates(current models.Properties, updates PropertyUpdates) PropertyDelta {
	next := current.Clone()
	written := make(map[string]models.PropertyOperation)

	for key, value := range updates.SetOnce {
		if _, ok := next[key]; !ok {
			next[key] = value
			written[key] = models.PropertyOperationSetOnce
		}
	}

	for key, value := range updates.Set {
		existing, ok := current[key]
		if !ok || !reflect.DeepEqual(existing, value) {
			next[key] = value
			written[key] = models.PropertyOperationSet
		}
	}

	var removed []string
	for _, key := range updates.Unset {
		if _, ok := next[key]; ok {
			delete(next, key)
			delete(written, key)
			if _, existed := current[key]; existed {
				removed = append(removed, key)
			}
		}
	}

	return PropertyDelta{
		Properties: next,
		Changed:    len(written) > 0 || len(removed) > 0,
		Written:    written,
		Removed:    removed,
	}
}

// stampPropertyMetadata returns the last-updated and last-operation maps after delta was
// applied at ts.
func stampPropertyMetadata(
	lastUpdatedAt map[string]string,
	lastOperation map[string]models.PropertyOperation,
	delta PropertyDelta,
	timestamp string,
) (map[string]string, map[string]models.PropertyOperation) {
	updatedAt := make(map[string]string, len(lastUpdatedAt)+len(delta.Written))
	for k, v := range lastUpdatedAt {
		updatedAt[k] = v
	}
	operations := make(map[string]models.PropertyOperation, len(lastOperation)+len(delta.Written))
	for k, v := range lastOperation {
		operations[k] = v
	}

	for key, op := range delta.Written {
		updatedAt[key] = timestamp
		operations[key] = op
	}
	for _, key := range delta.Removed {
		delete(updatedAt, key)
		delete(operations, key)
	}
	return updatedAt, operations
}

func objectProperty(properties map[string]any, key string) map[string]any {
	value, ok := properties[key].(map[string]any)
	if !ok {
		return nil
	}
	return value
}

func unsetKeys(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				keys = append(keys, s)
			} else if item != nil {
				keys = append(keys, fmt.Sprint(item))
			}
		}
		return keys
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	default:
		return nil
	}
}
