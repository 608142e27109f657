// Package errs defines the typed errors raised by the manifest engine.
//
// Every error carries a severity and a category so the playback controller can
// decide whether to abort or keep playing from already-buffered content.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Severity says whether an error stops the current load or update.
type Severity int

const (
	// Recoverable errors are reported but the update loop continues.
	Recoverable Severity = 1
	// Critical errors abort the load or update and are surfaced to the app.
	Critical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "RECOVERABLE"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Category groups errors by the subsystem that raised them.
type Category int

const (
	CategoryNetwork  Category = 1
	CategoryText     Category = 2
	CategoryManifest Category = 4
	CategoryStorage  Category = 9
	CategoryPlayer   Category = 7
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "NETWORK"
	case CategoryText:
		return "TEXT"
	case CategoryManifest:
		return "MANIFEST"
	case CategoryStorage:
		return "STORAGE"
	case CategoryPlayer:
		return "PLAYER"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Code identifies a specific failure.
type Code int

// Network codes.
const (
	BadHTTPStatus    Code = 1001
	HTTPError        Code = 1002
	Timeout          Code = 1003
	MalformedDataURI Code = 1004
)

// Manifest codes.
const (
	DashInvalidXML                 Code = 4001
	DashNoSegmentInfo              Code = 4002
	DashEmptyAdaptationSet         Code = 4003
	DashEmptyPeriod                Code = 4004
	DashWebMMissingInit            Code = 4005
	DashUnsupportedContainer       Code = 4006
	DashPSSHBadEncoding            Code = 4007
	DashNoCommonKeySystem          Code = 4008
	DashMultipleKeyIDsNotSupported Code = 4009
	DashConflictingKeyIDs          Code = 4010
	RestrictionsCannotBeMet        Code = 4012
	DashUnsupportedXlinkActuate    Code = 4027
	DashXlinkDepthLimit            Code = 4028
	DashDuplicateRepresentationID  Code = 4018
	DashPatchInvalid               Code = 4034
	DashInvalidSegmentTemplate     Code = 4035
	DashSIDXParseFailed            Code = 4036
	ManifestUpdateFailed           Code = 4040
)

// Player codes.
const (
	OperationAborted Code = 7001
)

// Error is the typed error value shared by every component of the engine.
type Error struct {
	Severity Severity
	Category Category
	Code     Code
	// Data holds extra context such as a URI or a representation id.
	Data []any
	// Handled may be set by the app to suppress default recovery.
	Handled bool

	err error
}

// New builds an Error. Data may contain a wrapped error, which Unwrap exposes.
func New(severity Severity, category Category, code Code, data ...any) *Error {
	e := &Error{Severity: severity, Category: category, Code: code, Data: data}
	for _, d := range data {
		if err, ok := d.(error); ok {
			e.err = err
			break
		}
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s error %d", e.Severity, e.Category, int(e.Code))
	for _, d := range e.Data {
		fmt.Fprintf(&b, ": %v", d)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.err }

// Is matches another *Error by category and code, ignoring severity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Code == e.Code
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// Downgrade returns a recoverable copy of err. Errors that are not *Error are
// wrapped as a recoverable manifest update failure.
func Downgrade(err error) *Error {
	if e, ok := As(err); ok {
		cp := *e
		cp.Severity = Recoverable
		return &cp
	}
	return New(Recoverable, CategoryManifest, ManifestUpdateFailed, err)
}

// Aborted is returned when the parser was stopped while an operation was in flight.
func Aborted() *Error {
	return New(Critical, CategoryPlayer, OperationAborted)
}
