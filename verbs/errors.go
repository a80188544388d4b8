package verbs

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

var (
	// ErrConfiguration indicates a missing device, an out-of-range port or an unsupported transport.
	ErrConfiguration = errors.New("verbs: configuration error")
	// ErrResourceCreation indicates that a provider call creating or registering a resource failed.
	ErrResourceCreation = errors.New("verbs: resource creation failed")
	// ErrStateViolation indicates a queue pair transition or post attempted from the wrong state.
	ErrStateViolation = errors.New("verbs: queue pair state violation")
	// ErrBoundary indicates that a slice range exceeds its parent.
	ErrBoundary = errors.New("verbs: slice out of bounds")
	// ErrBuilderValidation indicates that a work request cannot be turned into a descriptor.
	ErrBuilderValidation = errors.New("verbs: work request validation failed")
	// ErrCompletion indicates that the provider reported a non-success completion status.
	ErrCompletion = errors.New("verbs: completion reported failure")
	// ErrSubmission indicates that the provider rejected a posted descriptor chain.
	ErrSubmission = errors.New("verbs: work request submission failed")
	// ErrUseAfterFree indicates that a slice outlived the region it was derived from.
	ErrUseAfterFree = errors.New("verbs: memory region already deregistered")
	// ErrBusy indicates that a resource still has dependents and cannot be closed.
	ErrBusy = errors.New("verbs: resource still in use")
)

// Errno re-exports the provider status code type.
type Errno = provider.Errno

// ErrInvalidHandle is returned when a method is called on a nil or closed object.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// ConfigurationError reports a misconfiguration detected while opening or
// creating resources.
type ConfigurationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "verbs: " + e.Op + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
func (e *ConfigurationError) Unwrap() error       { return e.Err }

// ResourceError wraps a provider failure while creating a resource.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("verbs: create %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Is(target error) bool { return target == ErrResourceCreation }
func (e *ResourceError) Unwrap() error       { return e.Err }

// StateError reports a queue pair operation attempted from the wrong state.
type StateError struct {
	QPN  uint32
	Op   string
	Want []State
	Got  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("verbs: qp %#x: %s requires state %v, queue pair is %s", e.QPN, e.Op, e.Want, e.Got)
}

func (e *StateError) Is(target error) bool { return target == ErrStateViolation }

// BoundaryError reports a slice range outside its parent.
type BoundaryError struct {
	Offset uint64
	Length uint64
	Size   uint64
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("verbs: range [%d, %d) exceeds size %d", e.Offset, e.Offset+e.Length, e.Size)
}

func (e *BoundaryError) Is(target error) bool { return target == ErrBoundary }

// ValidationError reports why a work request failed descriptor derivation.
type ValidationError struct {
	ID     uint64
	Opcode Opcode
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("verbs: work request %d (%s): %s", e.ID, e.Opcode, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Is(target error) bool { return target == ErrBuilderValidation }
func (e *ValidationError) Unwrap() error       { return e.Err }

// CompletionError carries the first failed completion observed by a poll.
// Trailing holds the records the same provider call returned after it; they
// are already removed from the queue.
type CompletionError struct {
	Completion Completion
	VendorErr  uint32
	Trailing   []Completion
}

func (e *CompletionError) Error() string {
	c := e.Completion
	return fmt.Sprintf("verbs: completion for request %d on qp %#x (%s) failed: %s (vendor error %#x)",
		c.ID, c.QPN, c.Kind, c.Status, e.VendorErr)
}

func (e *CompletionError) Is(target error) bool { return target == ErrCompletion }

// SubmitError wraps a provider failure while posting descriptors.
type SubmitError struct {
	QPN   uint32
	Count int
	Err   error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("verbs: qp %#x: post of %d request(s) failed: %v", e.QPN, e.Count, e.Err)
}

func (e *SubmitError) Is(target error) bool { return target == ErrSubmission }
func (e *SubmitError) Unwrap() error       { return e.Err }
