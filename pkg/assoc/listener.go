// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	log "github.com/sirupsen/logrus"
)

// AssociationListener receives the communication events and payloads of an
// Association. Its methods are called from transport goroutines and should
// return quickly; a panic is recovered and logged.
type AssociationListener interface {
	OnCommunicationUp(a *Association, maxInboundStreams, maxOutboundStreams int)
	OnCommunicationShutdown(a *Association)
	OnCommunicationLost(a *Association)
	OnCommunicationRestart(a *Association)
	OnPayload(a *Association, payload PayloadData)

	// OnInvalidStreamID is called instead of sending a payload addressing a
	// stream outside the negotiated outbound streams.
	OnInvalidStreamID(a *Association, payload PayloadData)
}

// ListenerFactory returns the AssociationListener for an Association created
// from a stored or configured topology. A nil result leaves it without one.
type ListenerFactory func(a *Association) AssociationListener

// ServerAcceptor decides about inbound connections which do not match any
// provisioned association of an anonymous accepting Server. The anonymous
// Association is accepted by calling its AcceptAnonymous method before
// returning; otherwise, or on a panic, the connection is closed.
type ServerAcceptor interface {
	OnNewRemoteConnection(s *Server, a *Association)
}

// ServerAcceptorFunc is a function implementing ServerAcceptor.
type ServerAcceptorFunc func(s *Server, a *Association)

// OnNewRemoteConnection calls f.
func (f ServerAcceptorFunc) OnNewRemoteConnection(s *Server, a *Association) {
	f(s, a)
}

// ManagementEventListener observes the Management and its resources.
type ManagementEventListener interface {
	OnServiceStarted()
	OnServiceStopped()
	OnRemoveAllResources()

	OnServerAdded(s *Server)
	OnServerRemoved(s *Server)
	OnServerStarted(s *Server)
	OnServerStopped(s *Server)
	OnServerModified(s *Server)

	OnAssociationAdded(a *Association)
	OnAssociationRemoved(a *Association)
	OnAssociationStarted(a *Association)
	OnAssociationStopped(a *Association)
	OnAssociationUp(a *Association)
	OnAssociationDown(a *Association)
	OnAssociationModified(a *Association)
}

// BaseManagementEventListener implements ManagementEventListener without any
// reaction. Embed it to implement only the relevant events.
type BaseManagementEventListener struct{}

func (BaseManagementEventListener) OnServiceStarted()                  {}
func (BaseManagementEventListener) OnServiceStopped()                  {}
func (BaseManagementEventListener) OnRemoveAllResources()              {}
func (BaseManagementEventListener) OnServerAdded(*Server)              {}
func (BaseManagementEventListener) OnServerRemoved(*Server)            {}
func (BaseManagementEventListener) OnServerStarted(*Server)            {}
func (BaseManagementEventListener) OnServerStopped(*Server)            {}
func (BaseManagementEventListener) OnServerModified(*Server)           {}
func (BaseManagementEventListener) OnAssociationAdded(*Association)    {}
func (BaseManagementEventListener) OnAssociationRemoved(*Association)  {}
func (BaseManagementEventListener) OnAssociationStarted(*Association)  {}
func (BaseManagementEventListener) OnAssociationStopped(*Association)  {}
func (BaseManagementEventListener) OnAssociationUp(*Association)       {}
func (BaseManagementEventListener) OnAssociationDown(*Association)     {}
func (BaseManagementEventListener) OnAssociationModified(*Association) {}

// isolate calls f and recovers from a panic, which is logged with the event's
// name. It reports if f returned normally.
func isolate(event string, fields log.Fields, f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).WithFields(log.Fields{
				"event": event,
				"error": r,
			}).Error("Listener failed while handling event")

			ok = false
		}
	}()

	f()
	return true
}
