package models

// OutcomeKind classifies the result of one sign attempt. All expected
// protocol results are values here, not errors; only programming errors and
// broken persisted data surface as Go errors.
type OutcomeKind string

const (
	OutcomeSuccess              OutcomeKind = "success"
	OutcomeAuthIncomplete       OutcomeKind = "auth_incomplete"
	OutcomeAuthFailed           OutcomeKind = "auth_failed"
	OutcomeNetworkTransient     OutcomeKind = "network_transient"
	OutcomeNoActivity           OutcomeKind = "no_activity"
	OutcomeTooFrequent          OutcomeKind = "too_frequent"
	OutcomeModalityUnsupported  OutcomeKind = "modality_unsupported"
	OutcomeVerificationRejected OutcomeKind = "verification_rejected"
	OutcomeOutOfRange           OutcomeKind = "out_of_range"
	OutcomeRemoteUnknown        OutcomeKind = "remote_unknown"
)

// Idle reports whether the kind means "nothing to do right now" rather than
// a real failure. Schedulers should not alert on idle outcomes.
func (k OutcomeKind) Idle() bool {
	return k == OutcomeNoActivity || k == OutcomeTooFrequent
}

// SubAttempt records one try inside a larger attempt: one account in a
// scheduled batch, or one geo preset during a location check-in.
type SubAttempt struct {
	Target  string      `json:"target"`
	Kind    OutcomeKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// Outcome is the structured result of one sign attempt. Message mirrors the
// remote service's own wording where possible so operators can diagnose
// rejections without digging through logs.
type Outcome struct {
	Kind     OutcomeKind   `json:"kind"`
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Event    *CheckinEvent `json:"event,omitempty"`
	Attempts []SubAttempt  `json:"attempts,omitempty"`
}

func NewOutcome(kind OutcomeKind, msg string) Outcome {
	return Outcome{Kind: kind, Success: kind == OutcomeSuccess, Message: msg}
}
