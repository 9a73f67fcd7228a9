package btreedb

import "errors"

// Error kinds surfaced at the transaction boundary. Low-level I/O errors
// from the file or mmap layer bubble up unchanged; these sentinels cover
// the structural failures the storage core itself can detect.
var (
	ErrCorruptedPage       = errors.New("btreedb: corrupted page")
	ErrOutOfPages          = errors.New("btreedb: bitmap exhausted, no free page")
	ErrOverflowChainBroken = errors.New("btreedb: overflow chain broken")
	ErrInvariantViolation  = errors.New("btreedb: invariant violation")

	ErrTxClosed    = errors.New("btreedb: transaction closed")
	ErrTxReadOnly  = errors.New("btreedb: transaction is read-only")
	ErrKeyTooLarge = errors.New("btreedb: key too large for a page")
)

// StorageError wraps a sentinel kind with context so callers can both
// errors.Is(err, ErrCorruptedPage) and read a human message.
type StorageError struct {
	Kind error
	Msg  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *StorageError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func wrapErr(kind error, msg string) error {
	return &StorageError{Kind: kind, Msg: msg}
}
