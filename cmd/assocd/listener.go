// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// logListener is the AssociationListener of every association of the daemon.
// It only logs what happens.
type logListener struct{}

func newLogListener(*assoc.Association) assoc.AssociationListener {
	return logListener{}
}

func (logListener) OnCommunicationUp(a *assoc.Association, maxInboundStreams, maxOutboundStreams int) {
	log.WithFields(log.Fields{
		"association":  a.Name(),
		"max_inbound":  maxInboundStreams,
		"max_outbound": maxOutboundStreams,
	}).Info("Communication is up")
}

func (logListener) OnCommunicationShutdown(a *assoc.Association) {
	log.WithField("association", a.Name()).Info("Communication was shut down")
}

func (logListener) OnCommunicationLost(a *assoc.Association) {
	log.WithField("association", a.Name()).Warn("Communication was lost")
}

func (logListener) OnCommunicationRestart(a *assoc.Association) {
	log.WithField("association", a.Name()).Warn("Peer restarted the communication")
}

func (logListener) OnPayload(a *assoc.Association, payload assoc.PayloadData) {
	log.WithFields(log.Fields{
		"association": a.Name(),
		"payload":     payload,
	}).Debug("Received payload")
}

func (logListener) OnInvalidStreamID(a *assoc.Association, payload assoc.PayloadData) {
	log.WithFields(log.Fields{
		"association": a.Name(),
		"payload":     payload,
	}).Warn("Payload addressed an invalid stream")
}

// acceptAnonymous accepts every anonymous connection of servers allowing them.
func acceptAnonymous(s *assoc.Server, a *assoc.Association) {
	logger := log.WithFields(log.Fields{
		"server":      s.Name(),
		"association": a.Name(),
		"peer":        a.PeerAddress(),
	})

	if err := a.AcceptAnonymous(logListener{}); err != nil {
		logger.WithError(err).Warn("Accepting anonymous association errored")
	} else {
		logger.Info("Accepted anonymous association")
	}
}
