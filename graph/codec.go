package graph

import (
	"encoding/json"
	"fmt"

	"github.com/steve0801/agentgraph/store"
)

// Operations and feedback items ride inside checkpointed state, so they need
// codecs. Their argument maps are encoded per value through the registry, so
// an int argument is still an int after a durable round trip; a plain JSON
// map would retype it as float64 and an approved resume would re-execute the
// operation with different arguments than the run proposed.
func init() {
	reg := store.Codecs()
	_ = reg.Register("operation", Operation{}, operationValueCodec())
	_ = reg.Register("operation_ptr", (*Operation)(nil), operationPtrCodec())
	_ = reg.Register("operations", []*Operation(nil), operationSliceCodec())
	_ = reg.Register("feedback_items", []*FeedbackItem(nil), feedbackItemsCodec())
}

// persistedOperation is the stored form of an Operation: the arguments are a
// registry-encoded state blob rather than a bare JSON object.
type persistedOperation struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type persistedFeedbackItem struct {
	ID              string          `json:"id"`
	Operation       string          `json:"operation"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	Decision        Decision        `json:"decision,omitempty"`
	EditedArguments json.RawMessage `json:"edited_arguments,omitempty"`
}

func encodeArguments(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	return store.Codecs().EncodeState(args)
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return store.Codecs().DecodeState(raw)
}

func encodeOperation(op Operation) (persistedOperation, error) {
	args, err := encodeArguments(op.Arguments)
	if err != nil {
		return persistedOperation{}, fmt.Errorf("operation %s: %w", op.Name, err)
	}
	return persistedOperation{Name: op.Name, Arguments: args}, nil
}

func decodeOperation(po persistedOperation) (Operation, error) {
	args, err := decodeArguments(po.Arguments)
	if err != nil {
		return Operation{}, fmt.Errorf("operation %s: %w", po.Name, err)
	}
	return Operation{Name: po.Name, Arguments: args}, nil
}

func operationValueCodec() store.Codec {
	return store.Codec{
		Marshal: func(v any) ([]byte, error) {
			po, err := encodeOperation(v.(Operation))
			if err != nil {
				return nil, err
			}
			return json.Marshal(po)
		},
		Unmarshal: func(data []byte) (any, error) {
			var po persistedOperation
			if err := json.Unmarshal(data, &po); err != nil {
				return nil, err
			}
			return decodeOperation(po)
		},
	}
}

func operationPtrCodec() store.Codec {
	return store.Codec{
		Marshal: func(v any) ([]byte, error) {
			op := v.(*Operation)
			if op == nil {
				return json.Marshal(nil)
			}
			po, err := encodeOperation(*op)
			if err != nil {
				return nil, err
			}
			return json.Marshal(po)
		},
		Unmarshal: func(data []byte) (any, error) {
			var po *persistedOperation
			if err := json.Unmarshal(data, &po); err != nil {
				return nil, err
			}
			if po == nil {
				return (*Operation)(nil), nil
			}
			op, err := decodeOperation(*po)
			if err != nil {
				return nil, err
			}
			return &op, nil
		},
	}
}

func operationSliceCodec() store.Codec {
	return store.Codec{
		Marshal: func(v any) ([]byte, error) {
			ops := v.([]*Operation)
			encoded := make([]*persistedOperation, len(ops))
			for i, op := range ops {
				if op == nil {
					continue
				}
				po, err := encodeOperation(*op)
				if err != nil {
					return nil, err
				}
				encoded[i] = &po
			}
			return json.Marshal(encoded)
		},
		Unmarshal: func(data []byte) (any, error) {
			var encoded []*persistedOperation
			if err := json.Unmarshal(data, &encoded); err != nil {
				return nil, err
			}
			ops := make([]*Operation, len(encoded))
			for i, po := range encoded {
				if po == nil {
					continue
				}
				op, err := decodeOperation(*po)
				if err != nil {
					return nil, err
				}
				ops[i] = &op
			}
			return ops, nil
		},
	}
}

func feedbackItemsCodec() store.Codec {
	return store.Codec{
		Marshal: func(v any) ([]byte, error) {
			items := v.([]*FeedbackItem)
			encoded := make([]*persistedFeedbackItem, len(items))
			for i, item := range items {
				if item == nil {
					continue
				}
				args, err := encodeArguments(item.Arguments)
				if err != nil {
					return nil, fmt.Errorf("feedback item %s: %w", item.ID, err)
				}
				edited, err := encodeArguments(item.EditedArguments)
				if err != nil {
					return nil, fmt.Errorf("feedback item %s: %w", item.ID, err)
				}
				encoded[i] = &persistedFeedbackItem{
					ID:              item.ID,
					Operation:       item.Operation,
					Arguments:       args,
					Decision:        item.Decision,
					EditedArguments: edited,
				}
			}
			return json.Marshal(encoded)
		},
		Unmarshal: func(data []byte) (any, error) {
			var encoded []*persistedFeedbackItem
			if err := json.Unmarshal(data, &encoded); err != nil {
				return nil, err
			}
			items := make([]*FeedbackItem, len(encoded))
			for i, pi := range encoded {
				if pi == nil {
					continue
				}
				args, err := decodeArguments(pi.Arguments)
				if err != nil {
					return nil, fmt.Errorf("feedback item %s: %w", pi.ID, err)
				}
				edited, err := decodeArguments(pi.EditedArguments)
				if err != nil {
					return nil, fmt.Errorf("feedback item %s: %w", pi.ID, err)
				}
				items[i] = &FeedbackItem{
					ID:              pi.ID,
					Operation:       pi.Operation,
					Arguments:       args,
					Decision:        pi.Decision,
					EditedArguments: edited,
				}
			}
			return items, nil
		},
	}
}
