package call

import (
	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/sirupsen/logrus"
)

// Observer receives one callback per call event. The methods from NotifyBusy
// down are terminal: at most one of them fires per attempt, and none fires
// after a local Terminate. NotifyCallConnected never follows a terminal one.
type Observer interface {
	NotifyCallConnecting()
	NotifyWaitingForResponder()
	NotifyRinging()
	NotifyRemoteRinging()
	NotifyPerformingHandshake()
	NotifyCallConnected(sas handshake.SASInfo)

	NotifyBusy()
	NotifyCallDisconnected()
	NotifyNoSuchUser()
	NotifyServerMessage(message string)
	NotifyLoginFailed()
	NotifyServerFailure()
	NotifyClientFailure(message string)
	NotifyRecipientUnavailable()
	NotifyHandshakeFailed()
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) NotifyCallConnecting()                 {}
func (NopObserver) NotifyWaitingForResponder()            {}
func (NopObserver) NotifyRinging()                        {}
func (NopObserver) NotifyRemoteRinging()                  {}
func (NopObserver) NotifyPerformingHandshake()            {}
func (NopObserver) NotifyCallConnected(handshake.SASInfo) {}
func (NopObserver) NotifyBusy()                           {}
func (NopObserver) NotifyCallDisconnected()               {}
func (NopObserver) NotifyNoSuchUser()                     {}
func (NopObserver) NotifyServerMessage(string)            {}
func (NopObserver) NotifyLoginFailed()                    {}
func (NopObserver) NotifyServerFailure()                  {}
func (NopObserver) NotifyClientFailure(string)            {}
func (NopObserver) NotifyRecipientUnavailable()           {}
func (NopObserver) NotifyHandshakeFailed()                {}

// LogObserver logs each notification.
type LogObserver struct {
	Entry *logrus.Entry
}

func (o LogObserver) log() *logrus.Entry {
	if o.Entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return o.Entry
}

func (o LogObserver) NotifyCallConnecting()      { o.log().Info("Connecting") }
func (o LogObserver) NotifyWaitingForResponder() { o.log().Info("Waiting for responder") }
func (o LogObserver) NotifyRinging()             { o.log().Info("Incoming call ringing") }
func (o LogObserver) NotifyRemoteRinging()       { o.log().Info("Remote ringing") }
func (o LogObserver) NotifyPerformingHandshake() { o.log().Info("Performing handshake") }

func (o LogObserver) NotifyCallConnected(sas handshake.SASInfo) {
	o.log().WithField("sas", sas.Value).Info("Call connected")
}

func (o LogObserver) NotifyBusy()             { o.log().Warn("Busy") }
func (o LogObserver) NotifyCallDisconnected() { o.log().Info("Call disconnected") }
func (o LogObserver) NotifyNoSuchUser()       { o.log().Warn("No such user") }
func (o LogObserver) NotifyLoginFailed()      { o.log().Error("Login failed") }
func (o LogObserver) NotifyServerFailure()    { o.log().Error("Server failure") }
func (o LogObserver) NotifyHandshakeFailed()  { o.log().Error("Handshake failed") }

func (o LogObserver) NotifyRecipientUnavailable() { o.log().Warn("Recipient unavailable") }

func (o LogObserver) NotifyServerMessage(message string) {
	o.log().WithField("message", message).Warn("Server rejected call")
}

func (o LogObserver) NotifyClientFailure(message string) {
	o.log().WithField("message", message).Error("Client failure")
}

// notifyTerminal maps an outcome to its observer method.
func notifyTerminal(o Observer, outcome Outcome, detail string) {
	switch outcome {
	case OutcomeBusy:
		o.NotifyBusy()
	case OutcomeDisconnected:
		o.NotifyCallDisconnected()
	case OutcomeNoSuchUser:
		o.NotifyNoSuchUser()
	case OutcomeServerRejected:
		o.NotifyServerMessage(detail)
	case OutcomeLoginFailed:
		o.NotifyLoginFailed()
	case OutcomeServerFailure:
		o.NotifyServerFailure()
	case OutcomeClientFailure:
		o.NotifyClientFailure(detail)
	case OutcomeRecipientUnavailable:
		o.NotifyRecipientUnavailable()
	case OutcomeHandshakeFailed:
		o.NotifyHandshakeFailed()
	}
}
