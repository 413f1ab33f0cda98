package verify

// Outcome is the terminal state of one verification run. The four
// values exhaustively enumerate how a script element load can end.
type Outcome int

const (
	// ExecuteUnverified means no usable declaration existed (absent
	// attribute, malformed attribute, or unsupported algorithm) and
	// the content runs without an integrity check. This is the
	// backward-compatibility path, not a failure.
	ExecuteUnverified Outcome = iota

	// ExecuteVerified means the computed digest matched the declared
	// one.
	ExecuteVerified

	// RejectNetwork means the fetch failed, or the sharing check was
	// denied and the content carried no opt-in marker. Presented to
	// callers identically to an ordinary failed script load.
	RejectNetwork

	// RejectMismatch means the computed digest differed from the
	// declared one.
	RejectMismatch
)

func (o Outcome) String() string {
	switch o {
	case ExecuteUnverified:
		return "execute_unverified"
	case ExecuteVerified:
		return "execute_verified"
	case RejectNetwork:
		return "reject_network"
	case RejectMismatch:
		return "reject_mismatch"
	}
	return "unknown"
}

// Skip records why verification was skipped on an unverified-execute
// path, so tests and diagnostics can assert the exact branch taken.
type Skip int

const (
	SkipNone Skip = iota
	SkipNoDeclaration
	SkipMalformedDeclaration
	SkipUnsupportedAlgorithm
)

func (s Skip) String() string {
	switch s {
	case SkipNone:
		return "none"
	case SkipNoDeclaration:
		return "no_declaration"
	case SkipMalformedDeclaration:
		return "malformed_declaration"
	case SkipUnsupportedAlgorithm:
		return "unsupported_algorithm"
	}
	return "unknown"
}

// Verdict is the pipeline's terminal output. Exactly one of the
// execute outcomes carries Bytes; reject verdicts never do, so a
// caller cannot accidentally run rejected content.
type Verdict struct {
	Outcome Outcome

	// Bytes is the content to execute; nil on reject.
	Bytes []byte

	// Skip is set on ExecuteUnverified to name the silent-ignore
	// branch; SkipNone otherwise.
	Skip Skip
}

// Execute reports whether the content may run.
func (v Verdict) Execute() bool {
	return v.Outcome == ExecuteUnverified || v.Outcome == ExecuteVerified
}
