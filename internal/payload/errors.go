package payload

import (
	"errors"
	"fmt"
)

// Kind classifies a structural failure of an update, repair or verification.
type Kind int

const (
	KindIO Kind = iota
	KindNetwork
	KindEmptyPayload
	KindManifestNotFound
	KindManifestCorrupt
	KindExtraction
	KindBusy
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNetwork:
		return "network"
	case KindEmptyPayload:
		return "empty_payload"
	case KindManifestNotFound:
		return "manifest_not_found"
	case KindManifestCorrupt:
		return "manifest_corrupt"
	case KindExtraction:
		return "extraction"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrIO               = errors.New("filesystem failure")
	ErrNetwork          = errors.New("network failure")
	ErrEmptyPayload     = errors.New("downloaded payload is empty")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrManifestCorrupt  = errors.New("manifest corrupt")
	ErrExtraction       = errors.New("archive extraction failed")
	ErrBusy             = errors.New("payload is in use")
)

var kindSentinels = map[Kind]error{
	KindIO:               ErrIO,
	KindNetwork:          ErrNetwork,
	KindEmptyPayload:     ErrEmptyPayload,
	KindManifestNotFound: ErrManifestNotFound,
	KindManifestCorrupt:  ErrManifestCorrupt,
	KindExtraction:       ErrExtraction,
	KindBusy:             ErrBusy,
}

// Error is a typed failure carrying the operation and path it concerns.
type Error struct {
	Kind Kind
	Op   string // short verb phrase, e.g. "remove entry"
	Path string // may be empty
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if msg == "" {
		return kindSentinels[e.Kind].Error()
	}
	return fmt.Sprintf("%s: %v", msg, kindSentinels[e.Kind])
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// IOError wraps a local filesystem failure.
func IOError(op, path string, err error) error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

// NetworkError wraps a transport failure or non-success response.
func NetworkError(op, url string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Path: url, Err: err}
}

// EmptyPayloadError reports a zero-length artifact after a successful transfer.
func EmptyPayloadError(path string) error {
	return &Error{Kind: KindEmptyPayload, Op: "check payload size", Path: path}
}

// ExtractionError wraps a malformed or truncated archive.
func ExtractionError(op, path string, err error) error {
	return &Error{Kind: KindExtraction, Op: op, Path: path, Err: err}
}

// BusyError reports that the payload cannot be mutated right now.
func BusyError(op string, err error) error {
	return &Error{Kind: KindBusy, Op: op, Err: err}
}
