package call

// State is the lifecycle of one call attempt.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingPeer
	StateRinging
	StateNegotiating
	StateConnected
	StateTerminated
)

func (s State) String() string {
	names := []string{
		"Idle", "Connecting", "AwaitingPeer", "Ringing",
		"Negotiating", "Connected", "Terminated",
	}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Outcome is the terminal result reported for an attempt.
type Outcome int32

const (
	OutcomeNone Outcome = iota
	OutcomeBusy
	OutcomeDisconnected
	OutcomeNoSuchUser
	OutcomeServerRejected
	OutcomeLoginFailed
	OutcomeServerFailure
	OutcomeClientFailure
	OutcomeRecipientUnavailable
	OutcomeHandshakeFailed
)

func (o Outcome) String() string {
	names := []string{
		"None", "Busy", "Disconnected", "NoSuchUser", "ServerRejected",
		"LoginFailed", "ServerFailure", "ClientFailure",
		"RecipientUnavailable", "HandshakeFailed",
	}
	if int(o) >= 0 && int(o) < len(names) {
		return names[o]
	}
	return "Unknown"
}
