package session

import "fmt"

// Policy decides what the session reports while the operator turns the
// encoder. It is chosen once at startup from the device mode.
type Policy struct {
	Name string

	// Feedback sends OPERATING 1/0 when a move starts and ends.
	Feedback bool

	// CommitUnaligned commits "no selection" when a move ends between
	// positions. When false the previous selection is kept, so only
	// positions the bridge is actually aligned with are ever reported.
	CommitUnaligned bool
}

// TurntablePolicy reports only aligned positions.
func TurntablePolicy(feedback bool) Policy {
	return Policy{Name: "turntable", Feedback: feedback}
}

// KnobPolicy reports wherever the knob stops, with no move feedback.
func KnobPolicy() Policy {
	return Policy{Name: "knob", CommitUnaligned: true}
}

// PolicyFor returns the policy for a configured mode name.
func PolicyFor(mode string, feedback bool) (Policy, error) {
	switch mode {
	case "turntable":
		return TurntablePolicy(feedback), nil
	case "knob":
		return KnobPolicy(), nil
	default:
		return Policy{}, fmt.Errorf("unknown mode %q", mode)
	}
}
