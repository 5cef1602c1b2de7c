package compound

import (
	"errors"

	"github.com/workglow-dev/flowcore/flog"
	"github.com/workglow-dev/flowcore/internal/condition"
	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/task"
)

// ErrUnknownBranch marks a DefaultBranch id that names no declared Branch.
// Construction does not fail on it (an invalid default id is ignored, per
// the branch-activation rule below); it is logged so the misconfiguration
// is diagnosable.
var ErrUnknownBranch = errors.New("compound: default branch id not in branches")

// Branch is one named condition of a ConditionalTask.
type Branch struct {
	ID string
	// Condition is the declarative test. ConditionFunc, if set, replaces
	// it entirely — a function branch always wins over a serialized one.
	Condition     *condition.Condition
	ConditionFunc func(input map[string]any) (bool, error)
	// OutputPort is the output property an active branch's input record
	// is routed to.
	OutputPort string
}

// ConditionalTaskOptions configures NewConditionalTask.
type ConditionalTaskOptions struct {
	Branches []Branch
	// Exclusive activates at most the first matching branch in declared
	// order (falling back to DefaultBranch if none match); non-exclusive
	// evaluates every branch independently and any number may activate.
	Exclusive bool
	// DefaultBranch is activated when Exclusive is set and no branch
	// matched. Empty means no branch activates.
	DefaultBranch string
}

type conditionalSchemaProvider struct {
	branches []Branch
}

func (p *conditionalSchemaProvider) InputSchema() schema.Schema {
	return schema.Schema{"type": "object"}
}

func (p *conditionalSchemaProvider) OutputSchema() schema.Schema {
	props := map[string]any{
		"activeBranches": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}
	for _, b := range p.branches {
		// An active branch's port carries the full input record routed to
		// it, not a boolean flag.
		props[b.OutputPort] = map[string]any{"type": "object"}
	}
	return schema.Schema{"type": "object", "properties": props}
}

// NewConditionalTask builds a task that evaluates every declared branch
// against its input and reports the set of active branch IDs under
// "activeBranches" (read by the scheduler's disable-cascade: an outgoing
// dataflow whose source port is a branch ID not in activeBranches is
// marked DISABLED), and routes the full input record to every active
// branch's OutputPort.
func NewConditionalTask(kind string, cfg task.Config, opts ConditionalTaskOptions) *task.Task {
	t := task.New(kind, cfg)
	t.DynamicSchema = &conditionalSchemaProvider{branches: opts.Branches}

	branchIDs := make(map[string]bool, len(opts.Branches))
	for _, b := range opts.Branches {
		branchIDs[b.ID] = true
	}
	defaultBranch := opts.DefaultBranch
	if defaultBranch != "" && !branchIDs[defaultBranch] {
		flog.Warn("compound: %v: %q", ErrUnknownBranch, defaultBranch)
		defaultBranch = ""
	}

	t.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		var active []string

		if opts.Exclusive {
			for _, b := range opts.Branches {
				ok, _ := evaluateBranch(input, b)
				if ok {
					active = []string{b.ID}
					break
				}
			}
			if len(active) == 0 && defaultBranch != "" {
				active = []string{defaultBranch}
			}
		} else {
			for _, b := range opts.Branches {
				ok, _ := evaluateBranch(input, b)
				if ok {
					active = append(active, b.ID)
				}
			}
		}

		activeSet := make(map[string]bool, len(active))
		for _, id := range active {
			activeSet[id] = true
		}

		output := make(map[string]any, len(opts.Branches)+1)
		activeAny := make([]any, len(active))
		for i, id := range active {
			activeAny[i] = id
		}
		output["activeBranches"] = activeAny
		for _, b := range opts.Branches {
			if activeSet[b.ID] {
				output[b.OutputPort] = input
			}
		}
		return output, nil
	}
	return t
}

// evaluateBranch resolves one branch's test: a function branch wins over
// a serialized Condition; a throw in either is treated as false.
func evaluateBranch(input map[string]any, b Branch) (bool, error) {
	if b.ConditionFunc != nil {
		ok, err := b.ConditionFunc(input)
		if err != nil {
			return false, nil
		}
		return ok, nil
	}
	if b.Condition == nil {
		return false, nil
	}
	ok, err := condition.Evaluate(input, *b.Condition)
	if err != nil {
		return false, nil
	}
	return ok, nil
}
