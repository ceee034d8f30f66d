package fault

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories the pipeline reacts to.
type Kind int

const (
	Unknown Kind = iota
	// Auth covers bad credentials or a login page that no longer matches.
	Auth
	// DriverInit means the browser could not be started.
	DriverInit
	// Connection covers timeouts, refused connections and dead browser sessions.
	Connection
	// Extraction means the data page did not have the expected structure.
	Extraction
	// Persistence covers peak-power store read/write failures.
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case DriverInit:
		return "driver_init"
	case Connection:
		return "connection"
	case Extraction:
		return "extraction"
	case Persistence:
		return "persistence"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	URL  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithURL returns a copy of err annotated with the URL being fetched.
func WithURL(err error, url string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return &Error{Kind: Unknown, URL: url, Err: err}
	}
	cp := *fe
	if cp.URL == "" {
		cp.URL = url
	}
	return &cp
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
