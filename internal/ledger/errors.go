package ledger

import "fmt"

// IOError reports a failure of the ledger's backing store. The ledger is required for
// exactly-once indexing, so callers treat it as fatal.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("ledger %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
