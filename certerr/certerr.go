// Package certerr holds the error taxonomy shared by the gateways, the mint
// orchestrator and the HTTP layer.
package certerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Kind is a coarse error classification surfaced to callers.
type Kind string

const (
	Unknown                    Kind = "Unknown"
	NoProvider                 Kind = "NoProvider"
	UserRejected               Kind = "UserRejected"
	RequestPending             Kind = "RequestPending"
	NetworkRejected            Kind = "NetworkRejected"
	NetworkUnsupported         Kind = "NetworkUnsupported"
	StorageUnavailable         Kind = "StorageUnavailable"
	InsufficientFunds          Kind = "InsufficientFunds"
	Reverted                   Kind = "Reverted"
	RpcTransientError          Kind = "RpcTransientError"
	IdentifierExtractionFailed Kind = "IdentifierExtractionFailed"
	AlreadyCertified           Kind = "AlreadyCertified"
	ConfirmationTimeout        Kind = "ConfirmationTimeout"
	InvalidInput               Kind = "InvalidInput"
)

// Error is a classified error. Reason is only set for Reverted and
// AlreadyCertified and carries the decoded revert reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New classifies err as kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf classifies a formatted message as kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: eris.Errorf(format, args...)}
}

// Revert builds a Reverted error, or AlreadyCertified when the reason says so.
func Revert(reason string, err error) *Error {
	kind := Reverted
	if IsAlreadyCertifiedReason(reason) {
		kind = AlreadyCertified
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// ReasonOf returns the revert reason carried by err, if any.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsAlreadyCertifiedReason matches the contract's duplicate-address revert
// messages.
func IsAlreadyCertifiedReason(reason string) bool {
	r := strings.ToLower(reason)
	if !strings.Contains(r, "already") {
		return false
	}
	return strings.Contains(r, "certif") || strings.Contains(r, "audited") || strings.Contains(r, "minted")
}
