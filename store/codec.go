package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Codec serializes one storable state-value type. Every type that may appear
// as a state value in a persisted checkpoint must have a registered codec;
// there is no fallback to ambient any-to-JSON serialization, because a plain
// JSON round trip does not preserve type identity (ints come back as
// float64, structs come back as maps).
type Codec struct {
	Marshal   func(v any) ([]byte, error)
	Unmarshal func(data []byte) (any, error)
}

// CodecRegistry maps type tags to codecs. Tags are persisted alongside each
// value, so renaming a tag breaks decoding of existing checkpoints.
type CodecRegistry struct {
	mu     sync.RWMutex
	byTag  map[string]Codec
	byType map[reflect.Type]string
}

// NewCodecRegistry creates a registry pre-populated with codecs for the
// common Go kinds: string, bool, int, int64, float64, []string, []int,
// []any, map[string]any and time.Time. Elements of the aggregate kinds must
// themselves be JSON-plain; a deeply typed aggregate needs its own codec.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{
		byTag:  make(map[string]Codec),
		byType: make(map[reflect.Type]string),
	}
	registerBuiltin[string](r, "string")
	registerBuiltin[bool](r, "bool")
	registerBuiltin[int](r, "int")
	registerBuiltin[int64](r, "int64")
	registerBuiltin[float64](r, "float64")
	registerBuiltin[[]string](r, "[]string")
	registerBuiltin[[]int](r, "[]int")
	registerBuiltin[[]any](r, "[]any")
	registerBuiltin[map[string]any](r, "map")
	registerBuiltin[time.Time](r, "time")
	return r
}

// globalCodecs is the registry used by the package-level helpers and, by
// default, by every backend.
var globalCodecs = NewCodecRegistry()

// Codecs returns the global codec registry.
func Codecs() *CodecRegistry {
	return globalCodecs
}

// RegisterCodec registers a codec for the dynamic type of prototype under
// tag in the global registry.
func RegisterCodec(tag string, prototype any, codec Codec) error {
	return globalCodecs.Register(tag, prototype, codec)
}

// RegisterJSONCodec registers a JSON-backed codec for T under tag in the
// global registry. This is the usual way to make a custom state struct
// checkpointable:
//
//	store.RegisterJSONCodec[PlanStep]("plan_step")
func RegisterJSONCodec[T any](tag string) error {
	var zero T
	return globalCodecs.Register(tag, zero, JSONCodecFor[T]())
}

// JSONCodecFor returns a JSON-backed codec for T, for registering custom
// types on a registry-local basis. Fields of T typed as any decode with
// plain JSON semantics (numbers become float64); a type that must preserve
// the dynamic types of such fields needs a hand-written codec that routes
// them through EncodeState.
func JSONCodecFor[T any]() Codec {
	return Codec{
		Marshal: json.Marshal,
		Unmarshal: func(data []byte) (any, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Register registers a codec for the dynamic type of prototype under tag.
// Registering the same type under a different tag, or the same tag for a
// different type, is an error.
func (r *CodecRegistry) Register(tag string, prototype any, codec Codec) error {
	if tag == "" {
		return fmt.Errorf("codec tag must not be empty")
	}
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("cannot register codec for untyped nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byType[t]; ok && existing != tag {
		return fmt.Errorf("type %v already registered under tag %q", t, existing)
	}
	if existingType, ok := r.lookupTypeLocked(tag); ok && existingType != t {
		return fmt.Errorf("tag %q already registered for type %v", tag, existingType)
	}
	r.byTag[tag] = codec
	r.byType[t] = tag
	return nil
}

func (r *CodecRegistry) lookupTypeLocked(tag string) (reflect.Type, bool) {
	for t, existing := range r.byType {
		if existing == tag {
			return t, true
		}
	}
	return nil, false
}

// envelope is the persisted form of one state value: the codec tag plus the
// codec's raw output.
type envelope struct {
	Tag  string          `json:"t"`
	Data json.RawMessage `json:"v"`
}

// EncodeState serializes a state map with per-value type tags. Nil values
// are stored under the reserved empty tag. A value whose type has no
// registered codec is an error.
func (r *CodecRegistry) EncodeState(state map[string]any) ([]byte, error) {
	encoded := make(map[string]envelope, len(state))
	for key, value := range state {
		if value == nil {
			encoded[key] = envelope{Tag: "", Data: json.RawMessage("null")}
			continue
		}
		t := reflect.TypeOf(value)
		r.mu.RLock()
		tag, ok := r.byType[t]
		var codec Codec
		if ok {
			codec = r.byTag[tag]
		}
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no codec registered for state key %q (type %v)", key, t)
		}
		data, err := codec.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal state key %q: %w", key, err)
		}
		encoded[key] = envelope{Tag: tag, Data: data}
	}
	return json.Marshal(encoded)
}

// DecodeState reverses EncodeState, restoring each value through its tagged
// codec so the decoded map is value- and type-equal to the original.
func (r *CodecRegistry) DecodeState(data []byte) (map[string]any, error) {
	var encoded map[string]envelope
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	state := make(map[string]any, len(encoded))
	for key, env := range encoded {
		if env.Tag == "" {
			state[key] = nil
			continue
		}
		r.mu.RLock()
		codec, ok := r.byTag[env.Tag]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("state key %q uses unknown codec tag %q", key, env.Tag)
		}
		value, err := codec.Unmarshal(env.Data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal state key %q: %w", key, err)
		}
		state[key] = value
	}
	return state, nil
}

// persistedCheckpoint mirrors Checkpoint with the state already encoded.
type persistedCheckpoint struct {
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id"`
	NextNodeID string          `json:"next_node_id"`
	State      json.RawMessage `json:"state"`
	SavedAt    time.Time       `json:"saved_at"`
}

// MarshalCheckpoint serializes a checkpoint using the registry's codecs.
func (r *CodecRegistry) MarshalCheckpoint(cp *Checkpoint) ([]byte, error) {
	state, err := r.EncodeState(cp.State)
	if err != nil {
		return nil, err
	}
	return json.Marshal(persistedCheckpoint{
		ID:         cp.ID,
		NodeID:     cp.NodeID,
		NextNodeID: cp.NextNodeID,
		State:      state,
		SavedAt:    cp.SavedAt,
	})
}

// UnmarshalCheckpoint reverses MarshalCheckpoint.
func (r *CodecRegistry) UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var pc persistedCheckpoint
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	state, err := r.DecodeState(pc.State)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:         pc.ID,
		NodeID:     pc.NodeID,
		NextNodeID: pc.NextNodeID,
		State:      state,
		SavedAt:    pc.SavedAt,
	}, nil
}

// MarshalHistory serializes a full thread history, newest first. Blob
// backends (sqlite, postgres, redis) persist this as one value per thread.
func (r *CodecRegistry) MarshalHistory(history []*Checkpoint) ([]byte, error) {
	encoded := make([]json.RawMessage, 0, len(history))
	for _, cp := range history {
		data, err := r.MarshalCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, data)
	}
	return json.Marshal(encoded)
}

// UnmarshalHistory reverses MarshalHistory.
func (r *CodecRegistry) UnmarshalHistory(data []byte) ([]*Checkpoint, error) {
	var encoded []json.RawMessage
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	history := make([]*Checkpoint, 0, len(encoded))
	for _, raw := range encoded {
		cp, err := r.UnmarshalCheckpoint(raw)
		if err != nil {
			return nil, err
		}
		history = append(history, cp)
	}
	return history, nil
}

func registerBuiltin[T any](r *CodecRegistry, tag string) {
	var zero T
	t := reflect.TypeOf(zero)
	r.byTag[tag] = JSONCodecFor[T]()
	r.byType[t] = tag
}
