package upload

// State is a step of the upload pipeline.
type State int

const (
	Idle State = iota
	Validating
	Encoding
	Previewing
	Persisting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case Encoding:
		return "encoding"
	case Previewing:
		return "previewing"
	case Persisting:
		return "persisting"
	case Succeeded:
		return "done(success)"
	case Failed:
		return "done(failure)"
	default:
		return "idle"
	}
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}
