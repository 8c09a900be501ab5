package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// pendingFeedbackKey is the engine-internal state key under which a paused
// run's pending feedback items are checkpointed, so a later resume can match
// decisions to items by id.
const pendingFeedbackKey = internalPrefix + "pending_feedback"

// Decision is the external verdict on one pending feedback item.
type Decision string

const (
	// DecisionApprove proceeds with the operation's original arguments.
	DecisionApprove Decision = "approve"
	// DecisionReject skips the operation; the node must substitute a
	// synthetic result instead of performing it.
	DecisionReject Decision = "reject"
	// DecisionEdit proceeds with caller-supplied replacement arguments.
	DecisionEdit Decision = "edit"
)

// Operation names an effectful action a node is about to perform, with the
// arguments it proposes to use. Approval gates review operations.
type Operation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// FeedbackItem is one operation held for external review: an opaque id, the
// operation under review, and a decision slot filled in by the resume call.
type FeedbackItem struct {
	ID              string         `json:"id"`
	Operation       string         `json:"operation"`
	Arguments       map[string]any `json:"arguments"`
	Decision        Decision       `json:"decision,omitempty"`
	EditedArguments map[string]any `json:"edited_arguments,omitempty"`
}

// EffectiveArguments returns the arguments the node should execute with:
// the edited set for DecisionEdit, the originals otherwise.
func (f *FeedbackItem) EffectiveArguments() map[string]any {
	if f.Decision == DecisionEdit && f.EditedArguments != nil {
		return f.EditedArguments
	}
	return f.Arguments
}

// NewFeedbackItem creates an undecided item for one operation.
func NewFeedbackItem(op Operation) *FeedbackItem {
	return &FeedbackItem{
		ID:        uuid.New().String(),
		Operation: op.Name,
		Arguments: op.Arguments,
	}
}

// FeedbackDecision is the resume-side answer for one item.
type FeedbackDecision struct {
	Decision  Decision
	Arguments map[string]any // replacement arguments for DecisionEdit
}

// FeedbackDecisions addresses decisions by pending-item id.
type FeedbackDecisions map[string]FeedbackDecision

// Approve builds a bundle approving every given item id.
func Approve(itemIDs ...string) FeedbackDecisions {
	d := make(FeedbackDecisions, len(itemIDs))
	for _, id := range itemIDs {
		d[id] = FeedbackDecision{Decision: DecisionApprove}
	}
	return d
}

// Reject builds a bundle rejecting every given item id.
func Reject(itemIDs ...string) FeedbackDecisions {
	d := make(FeedbackDecisions, len(itemIDs))
	for _, id := range itemIDs {
		d[id] = FeedbackDecision{Decision: DecisionReject}
	}
	return d
}

// Edit builds a bundle substituting arguments for one item.
func Edit(itemID string, arguments map[string]any) FeedbackDecisions {
	return FeedbackDecisions{itemID: {Decision: DecisionEdit, Arguments: arguments}}
}

// Merge combines two bundles; other wins on conflicting ids.
func (d FeedbackDecisions) Merge(other FeedbackDecisions) FeedbackDecisions {
	merged := make(FeedbackDecisions, len(d)+len(other))
	for id, dec := range d {
		merged[id] = dec
	}
	for id, dec := range other {
		merged[id] = dec
	}
	return merged
}

// Interruption is the suspend signal pausing a run at a node pending
// externally supplied decisions. It is a first-class control-flow outcome,
// not a failure: the paused thread's checkpoint points back at the same
// node, and Resume re-enters it with the decisions applied.
//
// Interruption implements error so callers can detect it with errors.As on
// the Invoke result.
type Interruption struct {
	// NodeID is the node where execution paused.
	NodeID string
	// State is the full state at the point of pause.
	State State
	// Pending lists the operations awaiting review.
	Pending []*FeedbackItem
	// Path is the node path from the outermost parent down to the paused
	// node when the pause happened inside nested subgraphs. Empty for a
	// top-level pause.
	Path []string
}

func (i *Interruption) Error() string {
	if len(i.Path) > 0 {
		return fmt.Sprintf("run interrupted at node %s (path %v): %d pending feedback item(s)",
			i.NodeID, i.Path, len(i.Pending))
	}
	return fmt.Sprintf("run interrupted at node %s: %d pending feedback item(s)", i.NodeID, len(i.Pending))
}

// ApprovalGate inspects the state about to enter a node and returns the
// operations that require external review before the node may run. A nil or
// empty return lets the node run freely.
type ApprovalGate func(state State) []*Operation

// GateOperations builds a gate that holds the node whenever the state's
// named key carries a proposed operation matching one of the given names.
// The key must hold an Operation or []*Operation value.
func GateOperations(stateKey string, names ...string) ApprovalGate {
	watched := make(map[string]bool, len(names))
	for _, name := range names {
		watched[name] = true
	}
	return func(state State) []*Operation {
		var pending []*Operation
		switch v := state[stateKey].(type) {
		case Operation:
			if watched[v.Name] {
				op := v
				pending = append(pending, &op)
			}
		case *Operation:
			if v != nil && watched[v.Name] {
				pending = append(pending, v)
			}
		case []*Operation:
			for _, op := range v {
				if op != nil && watched[op.Name] {
					pending = append(pending, op)
				}
			}
		}
		return pending
	}
}

// NewGatedAction wraps an effectful operation in the interruption protocol.
// On first execution it pauses with one pending item per proposed
// operation. On re-execution with decisions it applies each decision
// independently: approve executes with the original arguments, edit with
// the substituted ones, and reject calls onReject to produce a synthetic
// substitute without performing the operation.
func NewGatedAction(
	propose func(state State) []*Operation,
	execute func(ctx context.Context, state State, op *Operation) (State, error),
	onReject func(state State, item *FeedbackItem) State,
) NodeAction {
	return func(ctx context.Context, state State) (any, error) {
		decided := DecisionsFrom(ctx)
		if decided == nil {
			ops := propose(state)
			if len(ops) == 0 {
				return State{}, nil
			}
			items := make([]*FeedbackItem, 0, len(ops))
			for _, op := range ops {
				items = append(items, NewFeedbackItem(*op))
			}
			return &Interruption{Pending: items}, nil
		}

		update := State{}
		for _, item := range decided {
			switch item.Decision {
			case DecisionReject:
				if onReject != nil {
					for k, v := range onReject(state, item) {
						update[k] = v
					}
				}
			case DecisionApprove, DecisionEdit:
				result, err := execute(ctx, state, &Operation{
					Name:      item.Operation,
					Arguments: item.EffectiveArguments(),
				})
				if err != nil {
					return nil, err
				}
				for k, v := range result {
					update[k] = v
				}
			default:
				return nil, fmt.Errorf("feedback item %s: %w", item.ID, ErrMissingDecision)
			}
		}
		return update, nil
	}
}
