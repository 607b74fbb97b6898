package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrBodyTooShort = errors.New("protocol: body shorter than texture size header")
	ErrSizeMismatch = errors.New("protocol: panorama size mismatch")
	ErrDecompress   = errors.New("protocol: payload decompression failed")
)

// Kind classifies a failure by how far its effects are allowed to reach.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport covers short reads, resets and broken pipes.
	KindTransport
	// KindProtocol covers declared sizes that cannot be honoured.
	KindProtocol
	// KindInference covers backend failures at request time.
	KindInference
	// KindPersistence covers diagnostic snapshot failures. Never fatal.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindInference:
		return "inference"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps err as a transport failure. Already-classified errors pass
// through unchanged.
func Transport(op string, err error) error { return classify(KindTransport, op, err) }

func Protocol(op string, err error) error { return classify(KindProtocol, op, err) }

func Inference(op string, err error) error { return classify(KindInference, op, err) }

func Persistence(op string, err error) error { return classify(KindPersistence, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
