package collector

import "time"

// scrollLadder drives the adaptive scroll gestures against a
// lazy-loading comment section. The step distance grows while rounds
// keep yielding nothing new (larger gestures trigger more loading) and
// snaps back to base on a burst of fresh comments. The inter-round wait
// grows exponentially, bounded by max, during runs of no-new-comment
// rounds; after recoveryAfter consecutive empty rounds the caller is
// told to perform a jump-to-bottom/jump-to-top recovery gesture.
type scrollLadder struct {
	baseStep      int
	maxStep       int
	baseWait      time.Duration
	maxWait       time.Duration
	burst         int
	recoveryAfter int

	step        int
	wait        time.Duration
	noNewRounds int
}

func newScrollLadder(cfg *Config) *scrollLadder {
	return &scrollLadder{
		baseStep:      cfg.BaseScrollStep,
		maxStep:       cfg.MaxScrollStep,
		baseWait:      cfg.BaseWait,
		maxWait:       cfg.MaxWait,
		burst:         cfg.BurstThreshold,
		recoveryAfter: cfg.RecoveryAfter,
		step:          cfg.BaseScrollStep,
		wait:          cfg.BaseWait,
	}
}

// advance folds the outcome of one extraction round into the ladder and
// returns the scroll distance and wait for the next round, plus whether
// a recovery gesture is due before scrolling resumes.
func (l *scrollLadder) advance(newComments int) (step int, wait time.Duration, recovery bool) {
	switch {
	case newComments >= l.burst:
		// A burst means the page is loading freely again; reset.
		l.step = l.baseStep
		l.wait = l.baseWait
		l.noNewRounds = 0
	case newComments > 0:
		l.wait = l.baseWait
		l.noNewRounds = 0
	default:
		l.noNewRounds++
		l.step = min(l.step*2, l.maxStep)
		l.wait = min(l.wait*2, l.maxWait)
		if l.noNewRounds >= l.recoveryAfter {
			l.noNewRounds = 0
			l.wait = l.baseWait
			return l.step, l.wait, true
		}
	}
	return l.step, l.wait, false
}
