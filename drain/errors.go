package drain

import (
	"errors"
	"fmt"
)

// TransportReceiveError aborts the fetch stage. Nothing from the cycle is
// persisted or deleted.
type TransportReceiveError struct {
	// Call is the 1-based index of the failing receive call within the cycle.
	Call int
	Err  error
}

func (e *TransportReceiveError) Error() string {
	return fmt.Sprintf("receive call %d failed: %v", e.Call, e.Err)
}

func (e *TransportReceiveError) Unwrap() error {
	return e.Err
}

// DecodeError reports a delivery whose body is not a valid queue record.
type DecodeError struct {
	MessageId string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %s: %v", e.MessageId, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StorageInsertError means the batched write failed and no delivery of the
// cycle was acknowledged.
type StorageInsertError struct {
	Records int
	Err     error
}

func (e *StorageInsertError) Error() string {
	return fmt.Sprintf("failed to store %d records: %v", e.Records, e.Err)
}

func (e *StorageInsertError) Unwrap() error {
	return e.Err
}

// TransportDeleteError is a per-delivery acknowledgement failure. It never
// aborts the cycle.
type TransportDeleteError struct {
	MessageId     string
	ReceiptHandle string
	Err           error
}

func (e *TransportDeleteError) Error() string {
	return fmt.Sprintf("failed to delete message %s: %v", e.MessageId, e.Err)
}

func (e *TransportDeleteError) Unwrap() error {
	return e.Err
}

const (
	StageFetch       = "fetch"
	StagePersist     = "persist"
	StageAcknowledge = "acknowledge"
)

// Stage names the cycle stage an error came from, or "" when unknown.
func Stage(err error) string {
	var receiveErr *TransportReceiveError
	var decodeErr *DecodeError
	var storageErr *StorageInsertError
	var deleteErr *TransportDeleteError

	switch {
	case errors.As(err, &receiveErr):
		return StageFetch
	case errors.As(err, &decodeErr), errors.As(err, &storageErr):
		return StagePersist
	case errors.As(err, &deleteErr):
		return StageAcknowledge
	default:
		return ""
	}
}
