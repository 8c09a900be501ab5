package graph

import (
	"fmt"
	"reflect"
)

// State is the shared data flowing through a run: a mapping from string keys
// to arbitrary values. A State instance is exclusively owned by one in-flight
// run; parallel branches receive cloned snapshots and only the join step
// produces the next canonical state.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Channel is a per-key merge strategy applied when a partial update is
// folded into the running state. Combine must be associative so that folding
// a batch of updates in a fixed order is deterministic.
type Channel interface {
	Combine(current, update any) (any, error)
}

// CombineFunc adapts a plain function to the Channel interface.
type CombineFunc func(current, update any) (any, error)

// Combine implements Channel.
func (f CombineFunc) Combine(current, update any) (any, error) {
	return f(current, update)
}

// ReplaceChannel returns the default merge strategy: last write wins.
func ReplaceChannel() Channel {
	return CombineFunc(func(_, update any) (any, error) {
		return update, nil
	})
}

// AppendChannel returns a merge strategy that appends the update to the
// current slice. A scalar update is appended as a single element; a slice
// update is concatenated. Mismatched element types degrade to []any.
func AppendChannel() Channel {
	return CombineFunc(appendValues)
}

// ReduceChannel returns a merge strategy built from an associative reduce
// function, e.g. integer addition for a counter key.
func ReduceChannel(fn func(current, update any) (any, error)) Channel {
	return CombineFunc(fn)
}

func appendValues(current, update any) (any, error) {
	if current == nil {
		updateVal := reflect.ValueOf(update)
		if updateVal.Kind() == reflect.Slice {
			return update, nil
		}
		sliceType := reflect.SliceOf(reflect.TypeOf(update))
		slice := reflect.MakeSlice(sliceType, 0, 1)
		return reflect.Append(slice, updateVal).Interface(), nil
	}

	currVal := reflect.ValueOf(current)
	if currVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("append channel: current value is %T, not a slice", current)
	}
	updateVal := reflect.ValueOf(update)

	if updateVal.Kind() == reflect.Slice {
		if currVal.Type().Elem() != updateVal.Type().Elem() {
			merged := make([]any, 0, currVal.Len()+updateVal.Len())
			for i := 0; i < currVal.Len(); i++ {
				merged = append(merged, currVal.Index(i).Interface())
			}
			for i := 0; i < updateVal.Len(); i++ {
				merged = append(merged, updateVal.Index(i).Interface())
			}
			return merged, nil
		}
		return reflect.AppendSlice(currVal, updateVal).Interface(), nil
	}

	if currVal.Type().Elem() != updateVal.Type() {
		merged := make([]any, 0, currVal.Len()+1)
		for i := 0; i < currVal.Len(); i++ {
			merged = append(merged, currVal.Index(i).Interface())
		}
		return append(merged, update), nil
	}
	return reflect.Append(currVal, updateVal).Interface(), nil
}

// Channels is the per-key channel table for a graph. Keys without a
// registered channel use ReplaceChannel.
type Channels struct {
	byKey map[string]Channel
}

// NewChannels creates an empty channel table.
func NewChannels() *Channels {
	return &Channels{byKey: make(map[string]Channel)}
}

// Register declares the merge strategy for one state key. It returns the
// table for chaining.
func (c *Channels) Register(key string, ch Channel) *Channels {
	c.byKey[key] = ch
	return c
}

// Merge folds a partial update into current and returns a fresh State.
// Neither input is mutated; the result is deterministic regardless of the
// update map's iteration order because each key is combined independently.
func (c *Channels) Merge(current State, update State) (State, error) {
	result := current.Clone()
	for key, value := range update {
		ch, ok := c.byKey[key]
		if !ok {
			result[key] = value
			continue
		}
		merged, err := ch.Combine(result[key], value)
		if err != nil {
			return nil, fmt.Errorf("merge key %q: %w", key, err)
		}
		result[key] = merged
	}
	return result, nil
}

// MergeAll folds a batch of updates into current one at a time, in slice
// order. Callers pass branch updates in branch-declaration order so results
// never depend on completion order.
func (c *Channels) MergeAll(current State, updates []State) (State, error) {
	result := current
	for _, update := range updates {
		var err error
		result, err = c.Merge(result, update)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
