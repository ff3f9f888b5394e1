package controller

import "errors"

// terminalError marks a reconcile failure that no amount of retrying will
// fix until the desired state changes, such as a validation failure in the
// record's spec.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return "terminal: " + e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}

// Terminal wraps err as terminal-for-this-attempt. The key is still
// requeued with backoff, never dropped: a human fixing the desired spec
// triggers automatic recovery on the next resync. Reconcilers should also
// surface a status condition so external observers see the stuck state.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err is (or wraps) a terminal reconcile error.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
