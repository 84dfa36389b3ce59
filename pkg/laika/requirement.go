package laika

// Eligibility is the result of evaluating a Rule's Requirement against a
// Context for a specific trigger.
type Eligibility int

const (
	// NotEligible means the rule should not fire for this trigger.
	NotEligible Eligibility = iota
	// NewlySatisfied means the requirement just became true (or, for
	// at_least rules, the triggering event is a new qualifying event)
	// and the rule should fire.
	NewlySatisfied
	// StillSatisfied means the requirement remains true but this
	// evaluation is not a new firing — reported for timer-driven
	// evaluations (no triggering event) of timed at_least rules.
	StillSatisfied
)

// RequirementEvaluator decides whether a Rule's event-set requirement is
// satisfied by a Context, and whether that satisfaction is newly arrived.
type RequirementEvaluator struct{}

// NewRequirementEvaluator returns a ready evaluator. It is stateless; all
// state it reasons about lives in the Context passed to Evaluate.
func NewRequirementEvaluator() *RequirementEvaluator {
	return &RequirementEvaluator{}
}

// Evaluate computes rule eligibility for ctx given the event (if any) that
// triggered this mutation. trigger is nil for a timer-driven evaluation.
func (r *RequirementEvaluator) Evaluate(rule *Rule, ctx *Context, trigger *TypedEvent) Eligibility {
	if rule.Requirement.Kind == RequireExact && ctx.RuleFired[rule.ID] {
		return NotEligible
	}

	present := ctx.TypesPresent()
	satisfied := requirementSatisfied(rule.Requirement, present)
	if !satisfied {
		return NotEligible
	}

	switch rule.Requirement.Kind {
	case RequireExact:
		// Without timing, an exact rule fires exactly once: satisfied-
		// and-not-yet-fired is always a new firing, and the Dispatcher
		// marks rule_fired so the ctx.RuleFired guard above short-circuits
		// every later mutation. With timing, rule_fired is never set, so
		// this branch keeps reporting newly-satisfied on every timer
		// tick and the from/check_every/until grid governs re-firing.
		return NewlySatisfied

	case RequireAtLeast:
		// Any context mutation that
		// leaves the requirement satisfied is treated as a trigger for
		// re-evaluation, regardless of whether the triggering event's
		// own type is a member of the required set, and reported as
		// newly satisfied. With timing, a timer-driven evaluation (no
		// triggering event) reports "still satisfied" instead; the
		// Dispatcher fires timed rules only from its timer path.
		if rule.Timing.HasTiming && trigger == nil {
			return StillSatisfied
		}
		return NewlySatisfied

	default:
		return NotEligible
	}
}

// requirementSatisfied is the pure set-membership predicate, independent
// of rule_fired bookkeeping.
func requirementSatisfied(req Requirement, present map[string]bool) bool {
	switch req.Kind {
	case RequireExact:
		if len(present) != len(req.Types) {
			return false
		}
		for _, t := range req.Types {
			if !present[t] {
				return false
			}
		}
		return true
	case RequireAtLeast:
		for _, t := range req.Types {
			if !present[t] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
