package vid

import "fmt"

// DecodeError reports a corrupt or unreadable frame. A decode failure aborts
// the estimation pass for that video; silently skipping the frame would
// desynchronize the background video from its source.
type DecodeError struct {
	SourceID string
	Frame    int // index of the frame that failed to decode
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure in %v at frame %v: %v", e.SourceID, e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
