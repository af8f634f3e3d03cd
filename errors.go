package phoenix

import (
	"errors"
	"fmt"
)

// Error kinds.
// Every error produced by this module that falls into one of these categories
// satisfies errors.Is with the corresponding sentinel.
var (
	// ErrNotFound is the error returned when a store has no entry for a key.
	ErrNotFound = errors.New("not found")

	// ErrIO is a local disk or read failure.
	ErrIO = errors.New("i/o error")

	// ErrHandshakeFailed means the secure session could not be established:
	// wrong or unknown identity, or a protocol mismatch.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrAuthenticationFailed means a message on an established session failed its integrity check.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCorruptChunk means a chunk payload does not hash to its key.
	ErrCorruptChunk = errors.New("corrupt chunk")

	// ErrConflict means a manifest write carried a stale expected revision.
	ErrConflict = errors.New("revision conflict")

	// ErrTransferFailed means a transfer timed out or exhausted its retries.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrMissingChunk means a manifest references a chunk that is not in the chunk store.
	ErrMissingChunk = errors.New("missing chunk")
)

// IOError is a failed local read or write.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error        { return e.Err }
func (e *IOError) Is(target error) bool { return target == ErrIO }

// CorruptChunkError reports a payload whose hash does not match the expected one.
type CorruptChunkError struct {
	Want, Got Hash
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("corrupt chunk: want hash %s, got %s", e.Want, e.Got)
}

func (e *CorruptChunkError) Is(target error) bool { return target == ErrCorruptChunk }

// ConflictError reports a manifest write whose expected revision was stale.
type ConflictError struct {
	Path     string
	Expected uint64
	Current  uint64
	Proposed uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: expected revision %d, current %d, proposed %d", e.Path, e.Expected, e.Current, e.Proposed)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransferError reports an abandoned transfer.
type TransferError struct {
	Path   string
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer of %s failed: %s: %s", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer of %s failed: %s", e.Path, e.Reason)
}

func (e *TransferError) Unwrap() error        { return e.Err }
func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

// CheckHash verifies that data hashes to want.
func CheckHash(want Hash, data []byte) error {
	if got := Sum(data); got != want {
		return &CorruptChunkError{Want: want, Got: got}
	}
	return nil
}
