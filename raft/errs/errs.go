// Package errs is the §7 error taxonomy. Errors are explicit return values,
// never exceptions; internal invariant violations instead go through
// utils.Assert and are fatal, not recoverable errors.
package errs

import "fmt"

// Kind is one of the named error kinds of spec §7.
type Kind string

const (
	InvalidTerm            Kind = "InvalidTerm"
	AlreadyVoted           Kind = "AlreadyVoted"
	LeaderIsAlive          Kind = "LeaderIsAlive"
	LastOpIdTooOld         Kind = "LastOpIdTooOld"
	ConsensusBusy          Kind = "ConsensusBusy"
	VoteWithheld           Kind = "VoteWithheld"
	CandidateNotInConfig   Kind = "CandidateNotInConfig"
	PrecedingEntryMismatch Kind = "PrecedingEntryDidntMatch"
	CannotPrepare          Kind = "CannotPrepare"
	InvalidConfig          Kind = "InvalidConfig"
	CasFailed              Kind = "CasFailed"
	NoConfigChangePending  Kind = "NoConfigChangePending"
	PendingConfigChange    Kind = "PendingConfigChange"
	IllegalState           Kind = "IllegalState"
	ServiceUnavailable     Kind = "ServiceUnavailable"
	Corruption             Kind = "Corruption"
	OutOfSequence          Kind = "OutOfSequence"
	Aborted                Kind = "Aborted"
	IllegalTerm            Kind = "IllegalTerm"
)

// Error is a §7 error kind, optionally carrying the responder's current
// term so the caller can retarget to a newer leader.
type Error struct {
	Kind    Kind
	Term    uint64
	HasTerm bool
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New builds a bare Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WithTerm builds an Error that also carries the current term.
func WithTerm(kind Kind, term uint64, detail string) *Error {
	return &Error{Kind: kind, Term: term, HasTerm: true, Detail: detail}
}

// Is reports whether err is a *Error of the given kind, for use with
// errors.Is-style call sites.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
