package service

import (
	"errors"
	"fmt"

	"github.com/roach88/acksync/internal/ir"
)

// PermanentError reports targets that will never be acknowledged.
// Other targets of the same submission may have succeeded or been queued.
type PermanentError struct {
	OperationID string
	Targets     []ir.RecordRef
	Err         error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acknowledgment failed permanently for %d target(s)", len(e.Targets))
	}
	return fmt.Sprintf("acknowledgment failed permanently for %d target(s): %v", len(e.Targets), e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
