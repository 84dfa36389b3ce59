package laika

// NextTimerFire computes the next scheduled tick for a timed rule, given
// when its requirement first became satisfied and, if a tick has already
// fired once, when that fire happened. Returns ok=false when the rule has
// no timing, or when the next computed tick would fall past the until
// horizon.
//
// firstSatisfiedMs anchors from/until; lastTouchedMs is the context's
// last-mutation time (the "from" delay is measured from
// max(lastTouchedMs, firstSatisfiedMs)); prevFireMs is zero until a first
// tick has fired, after which check_every governs.
func NextTimerFire(t Timing, firstSatisfiedMs, lastTouchedMs, prevFireMs int64) (fireAtMs int64, ok bool) {
	if !t.HasTiming {
		return 0, false
	}

	var next int64
	if prevFireMs == 0 {
		anchor := firstSatisfiedMs
		if lastTouchedMs > anchor {
			anchor = lastTouchedMs
		}
		next = anchor + t.FromMs
	} else {
		next = prevFireMs + t.CheckEveryMs
	}

	if t.UntilMs > 0 && next > firstSatisfiedMs+t.UntilMs {
		return 0, false
	}
	return next, true
}

// CoalesceLateFires collapses a run of past-due ticks into a single fire.
// Given the schedule anchor and the grid spacing (check_every, falling
// back to the one-shot "from" tick when no periodic cadence exists), it
// returns the originally-scheduled instant to report as trigger.timestamp
// for the single fire that actually runs, plus the next grid point after
// now (0 when that point falls past the until horizon). ok is false when
// scheduledMs itself is already past the until horizon.
func CoalesceLateFires(t Timing, firstSatisfiedMs, lastTouchedMs, scheduledMs, nowMs int64) (fireInstant, nextScheduled int64, ok bool) {
	if !t.HasTiming {
		return 0, 0, false
	}
	if t.UntilMs > 0 && scheduledMs > firstSatisfiedMs+t.UntilMs {
		return 0, 0, false
	}

	step := t.CheckEveryMs
	if step <= 0 {
		// One-shot "from" tick with no periodic cadence: it simply
		// fires once, with no successor.
		return scheduledMs, 0, true
	}

	// Find the next grid point strictly after both scheduledMs and
	// now, preserving the original grid phase. On time
	// (nowMs <= scheduledMs) this is simply the following tick;
	// past-due, it skips every missed tick so only one fire runs.
	var skips int64
	if nowMs > scheduledMs {
		elapsed := nowMs - scheduledMs
		skips = elapsed / step
	}
	nextScheduled = scheduledMs + (skips+1)*step

	if t.UntilMs > 0 && nextScheduled > firstSatisfiedMs+t.UntilMs {
		nextScheduled = 0
	}

	return scheduledMs, nextScheduled, true
}
