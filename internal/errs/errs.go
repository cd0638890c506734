// Package errs defines the failure taxonomy shared by the harness packages.
//
// Every failure surfaced by the cache, the strategies and the binding
// configurator is an *Error carrying a Code. Callers match categories with
// errors.Is against the exported sentinels, which compares codes only, so a
// wrapped cause stays matchable behind an outer provisioning failure:
//
//	if errors.Is(err, errs.ErrUnresolvedModelBinding) { ... }
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes harness failures.
type Code string

const (
	// CodeConnectionUnavailable indicates the backing source could not be reached.
	// Recoverable by retrying the whole test phase; never retried internally.
	CodeConnectionUnavailable Code = "CONNECTION_UNAVAILABLE"

	// CodeUnknownIdentifier indicates an identifier with no configured data source.
	CodeUnknownIdentifier Code = "UNKNOWN_IDENTIFIER"

	// CodeNoVDBsDeployed indicates the admin API listed no virtual databases.
	CodeNoVDBsDeployed Code = "NO_VDBS_DEPLOYED"

	// CodeVDBNotFound indicates no deployed VDB matched the target name.
	CodeVDBNotFound Code = "VDB_NOT_FOUND"

	// CodeUnresolvedModelBinding indicates a physical model with no resolvable data source.
	CodeUnresolvedModelBinding Code = "UNRESOLVED_MODEL_BINDING"

	// CodeProvisioningFailure wraps any failure that aborted a provisioning run.
	CodeProvisioningFailure Code = "PROVISIONING_FAILURE"

	// CodeShutdownFailure indicates resources could not be released.
	CodeShutdownFailure Code = "SHUTDOWN_FAILURE"
)

// Error is a categorized harness failure.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Identifier names the data source slot involved, if any.
	Identifier string

	// Model names the VDB model involved, if any.
	Model string

	// LookupKey is the data-source name that was attempted for Model.
	LookupKey string

	// Err is the underlying cause.
	Err error
}

// Sentinels for errors.Is matching. Only the Code is compared.
var (
	ErrConnectionUnavailable  = &Error{Code: CodeConnectionUnavailable, Message: "connection unavailable"}
	ErrUnknownIdentifier      = &Error{Code: CodeUnknownIdentifier, Message: "unknown identifier"}
	ErrNoVDBsDeployed         = &Error{Code: CodeNoVDBsDeployed, Message: "no vdbs deployed"}
	ErrVDBNotFound            = &Error{Code: CodeVDBNotFound, Message: "vdb not found"}
	ErrUnresolvedModelBinding = &Error{Code: CodeUnresolvedModelBinding, Message: "unresolved model binding"}
	ErrProvisioningFailure    = &Error{Code: CodeProvisioningFailure, Message: "provisioning failed"}
	ErrShutdownFailure        = &Error{Code: CodeShutdownFailure, Message: "shutdown failed"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var attrs []string
	if e.Identifier != "" {
		attrs = append(attrs, "identifier="+e.Identifier)
	}
	if e.Model != "" {
		attrs = append(attrs, "model="+e.Model)
	}
	if e.LookupKey != "" {
		attrs = append(attrs, "lookup="+e.LookupKey)
	}
	if len(attrs) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(attrs, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ConnectionUnavailable creates an error for an unreachable source.
func ConnectionUnavailable(identifier string, cause error) *Error {
	return &Error{
		Code:       CodeConnectionUnavailable,
		Message:    "unable to obtain connection",
		Identifier: identifier,
		Err:        cause,
	}
}

// UnknownIdentifier creates an error for an identifier with no data source.
func UnknownIdentifier(identifier string) *Error {
	return &Error{
		Code:       CodeUnknownIdentifier,
		Message:    "data source is not mapped to identifier",
		Identifier: identifier,
	}
}

// NoVDBsDeployed creates an error for an empty VDB listing.
func NoVDBsDeployed() *Error {
	return &Error{
		Code:    CodeNoVDBsDeployed,
		Message: "admin api returned no vdbs",
	}
}

// VDBNotFound creates an error for a target VDB name with no match.
func VDBNotFound(name string) *Error {
	return &Error{
		Code:    CodeVDBNotFound,
		Message: fmt.Sprintf("no deployed vdb matched %q", name),
	}
}

// UnresolvedModelBinding creates an error for a physical model whose
// lookup key had no data source defined.
func UnresolvedModelBinding(model, lookupKey string) *Error {
	return &Error{
		Code:      CodeUnresolvedModelBinding,
		Message:   "unable to create binding for model, the mapped name had no data source defined",
		Model:     model,
		LookupKey: lookupKey,
	}
}

// ProvisioningFailure wraps the failure that aborted a provisioning run.
func ProvisioningFailure(identifier string, cause error) *Error {
	return &Error{
		Code:       CodeProvisioningFailure,
		Message:    "vdb provisioning failed",
		Identifier: identifier,
		Err:        cause,
	}
}

// ShutdownFailure wraps failures raised while releasing resources.
func ShutdownFailure(identifier string, cause error) *Error {
	return &Error{
		Code:       CodeShutdownFailure,
		Message:    "failed to release resources",
		Identifier: identifier,
		Err:        cause,
	}
}

// IsConnectionUnavailable returns true if err is a connection failure.
func IsConnectionUnavailable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}

// IsUnknownIdentifier returns true if err reports an unmapped identifier.
func IsUnknownIdentifier(err error) bool {
	return errors.Is(err, ErrUnknownIdentifier)
}

// IsProvisioningFailure returns true if err aborted a provisioning run.
func IsProvisioningFailure(err error) bool {
	return errors.Is(err, ErrProvisioningFailure)
}

// CodeOf returns the Code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
