package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist in the store
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument marks invalid or missing call parameters
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStandbyStatus marks a promote that was illegal in the current state.
	// The coerced state has already been persisted when it is returned.
	ErrStandbyStatus = errors.New("standby status violation")

	// ErrIntegrity marks a refusal of service by a sanity or transaction check
	ErrIntegrity = errors.New("integrity violation")

	// ErrStore marks a persistent store failure
	ErrStore = errors.New("store failure")

	// ErrProbe marks a dependency probe transport failure
	ErrProbe = errors.New("probe failure")
)

// StoreError wraps a failure to read or write the record store
type StoreError struct {
	Op       string
	Resource string
	Err      error
}

func (e *StoreError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes every StoreError match ErrStore
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// IntegrityError carries the reasons a sanity or transaction check failed
type IntegrityError struct {
	Resource string
	Reasons  []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: %v", e.Resource, e.Reasons)
}

// Is makes every IntegrityError match ErrIntegrity
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
