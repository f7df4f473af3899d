package mutate

import "fmt"

// ParentNotFoundError is returned when the parent folder required by a
// create operation does not exist in the catalog.
type ParentNotFoundError struct {
	Dirname string
}

func (e ParentNotFoundError) Error() string {
	return fmt.Sprintf("parent folder %q: not found", e.Dirname)
}

// ObjectNotFoundError is returned when a referenced entry id does not
// exist in the catalog for the given connection.
type ObjectNotFoundError struct {
	ID string
}

func (e ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object %s: not found", e.ID)
}

// PartialBatchFailure reports a serial copy sequence that failed after
// some items were committed. Completed lists the destination keys already
// created; remaining items were not attempted.
type PartialBatchFailure struct {
	Completed []string
	Err       error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("batch aborted after %d completed items: %v", len(e.Completed), e.Err)
}

func (e *PartialBatchFailure) Unwrap() error {
	return e.Err
}
