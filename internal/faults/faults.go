// Package faults translates remote iwd errors into a closed set of local kinds.
package faults

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/iwd-harness/internal/dbus"
)

// Kind identifies a translated remote error.
type Kind int

const (
	Unknown Kind = iota
	Busy
	Failed
	Aborted
	NotAvailable
	InvalidArguments
	InvalidFormat
	AlreadyExists
	NotFound
	NotSupported
	NoAgent
	NotConnected
	NotConfigured
	NotImplemented
	ServiceSetOverlap
	AlreadyProvisioned
	NotHidden
	Canceled
)

// byShortName maps the trailing component of an iwd error name to its kind.
var byShortName = map[string]Kind{
	"InProgress":         Busy,
	"Failed":             Failed,
	"Aborted":            Aborted,
	"NotAvailable":       NotAvailable,
	"InvalidArguments":   InvalidArguments,
	"InvalidFormat":      InvalidFormat,
	"AlreadyExists":      AlreadyExists,
	"NotFound":           NotFound,
	"NotSupported":       NotSupported,
	"NoAgent":            NoAgent,
	"NotConnected":       NotConnected,
	"NotConfigured":      NotConfigured,
	"NotImplemented":     NotImplemented,
	"ServiceSetOverlap":  ServiceSetOverlap,
	"AlreadyProvisioned": AlreadyProvisioned,
	"NotHidden":          NotHidden,
	"Canceled":           Canceled,
}

// shortNames is the inverse of byShortName, indexed by Kind.
var shortNames = func() map[Kind]string {
	m := make(map[Kind]string, len(byShortName))
	for name, k := range byShortName {
		m[k] = name
	}
	return m
}()

// String returns the wire short name of the kind.
func (k Kind) String() string {
	if name, ok := shortNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Sentinels for errors.Is comparisons against a *Fault.
var (
	ErrBusy               = &Fault{Kind: Busy}
	ErrFailed             = &Fault{Kind: Failed}
	ErrAborted            = &Fault{Kind: Aborted}
	ErrNotAvailable       = &Fault{Kind: NotAvailable}
	ErrInvalidArguments   = &Fault{Kind: InvalidArguments}
	ErrInvalidFormat      = &Fault{Kind: InvalidFormat}
	ErrAlreadyExists      = &Fault{Kind: AlreadyExists}
	ErrNotFound           = &Fault{Kind: NotFound}
	ErrNotSupported       = &Fault{Kind: NotSupported}
	ErrNoAgent            = &Fault{Kind: NoAgent}
	ErrNotConnected       = &Fault{Kind: NotConnected}
	ErrNotConfigured      = &Fault{Kind: NotConfigured}
	ErrNotImplemented     = &Fault{Kind: NotImplemented}
	ErrServiceSetOverlap  = &Fault{Kind: ServiceSetOverlap}
	ErrAlreadyProvisioned = &Fault{Kind: AlreadyProvisioned}
	ErrNotHidden          = &Fault{Kind: NotHidden}
	ErrCanceled           = &Fault{Kind: Canceled}
	ErrUnknown            = &Fault{Kind: Unknown}
)

// Fault is a remote method failure reported by the daemon.
type Fault struct {
	Kind Kind
	// Name is the full error name as received, e.g. net.connman.iwd.Error.NotFound.
	Name    string
	Message string
}

func (f *Fault) Error() string {
	if f.Kind == Unknown {
		if f.Message == "" {
			return "unknown remote fault " + f.Name
		}
		return "unknown remote fault " + f.Name + ": " + f.Message
	}
	if f.Message == "" {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Message
}

// Is reports whether target is a *Fault of the same kind.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// DBusError converts the fault back into a wire error. Kinds are sent in
// the iwd namespace; unknown faults keep their original name.
func (f *Fault) DBusError() *dbus.Error {
	name := f.Name
	if name == "" {
		name = dbustypes.ErrorPrefix + f.Kind.String()
	}
	return dbustypes.NewDBusError(name, f.Message)
}

// Translate maps an error name and message to a Fault. Matching uses the
// component after the last dot; anything unrecognized becomes Unknown.
func Translate(name, message string) *Fault {
	short := name[strings.LastIndexByte(name, '.')+1:]
	if k, ok := byShortName[short]; ok {
		return &Fault{Kind: k, Name: name, Message: message}
	}
	return &Fault{Kind: Unknown, Name: name, Message: message}
}

// New returns a fault of the given kind in the iwd error namespace.
func New(k Kind, message string) *Fault {
	return &Fault{Kind: k, Name: dbustypes.ErrorPrefix + k.String(), Message: message}
}

// FromError translates D-Bus errors into faults. Other errors, such as a
// closed connection, are returned unchanged.
func FromError(err error) error {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return err
	}

	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return Translate(ptr.Name, errorMessage(ptr.Body))
	}

	var val dbus.Error
	if errors.As(err, &val) {
		return Translate(val.Name, errorMessage(val.Body))
	}

	return err
}

func errorMessage(body []interface{}) string {
	if len(body) == 0 {
		return ""
	}
	if s, ok := body[0].(string); ok {
		return s
	}
	return ""
}
