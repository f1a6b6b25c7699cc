package call

import (
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/sirupsen/logrus"
)

// Inbound peer event verbs.
const (
	verbRing      = "RING"
	verbBusy      = "BUSY"
	verbDelete    = "DELETE"
	verbHangup    = "HANGUP"
	verbKeepalive = "KEEPALIVE"
)

// dispatchSignals polls the channel for peer events until the call ends.
func (c *Coordinator) dispatchSignals(ch SignalingChannel, sessionID int64) {
	defer c.wg.Done()

	logger := c.logger.WithField("session_id", sessionID)
	for !c.terminated.Load() {
		ready, err := ch.WaitForInboundSignal(c.deps.pollTimeout())
		if err != nil {
			c.channelLost(logger, err)
			return
		}
		if !ready {
			continue
		}

		sig, err := ch.ReadInboundSignal()
		if err != nil {
			c.channelLost(logger, err)
			return
		}
		if err := ch.Acknowledge(); err != nil {
			logger.WithError(err).Debug("Acknowledging inbound signal")
		}
		c.handleSignal(logger, sig, sessionID)
	}
}

func (c *Coordinator) channelLost(logger *logrus.Entry, err error) {
	if c.terminated.Load() {
		return
	}
	logger.WithError(err).Warn("Signaling channel lost")
	c.shutdown(OutcomeDisconnected, err.Error())
}

func (c *Coordinator) handleSignal(logger *logrus.Entry, sig *signaling.ServerSignal, sessionID int64) {
	logger = logger.WithFields(logrus.Fields{
		"verb":   sig.Verb,
		"target": sig.Target,
	})

	if sig.Verb == verbKeepalive {
		return
	}
	id, ok := signaling.SessionIDFromTarget(sig.Target)
	if !ok || id != sessionID {
		logger.Debug("Ignoring signal for another session")
		return
	}

	switch sig.Verb {
	case verbRing:
		c.observer.NotifyRemoteRinging()
	case verbBusy:
		logger.Info("Peer is busy")
		c.shutdown(OutcomeBusy, "")
	case verbDelete, verbHangup:
		logger.Info("Peer hung up")
		c.shutdown(OutcomeDisconnected, "")
	default:
		logger.Debug("Ignoring unknown signal")
	}
}
