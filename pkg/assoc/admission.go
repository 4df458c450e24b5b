// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"net"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// admit routes an inbound Channel of Server s. The first provisioned server
// association matching the peer gets the Channel. Otherwise an anonymous
// association is offered to the ServerAcceptor, if s accepts them. A nil
// Handler results in closing the Channel.
func (m *Management) admit(s *Server, ch transport.Channel) transport.Handler {
	host, port, err := transport.SplitAddr(ch.RemoteAddr())
	if err != nil {
		log.WithFields(s.logFields()).WithFields(log.Fields{
			"channel": ch,
			"error":   err,
		}).Warn("Server cannot identify the peer of an inbound channel")
		return nil
	}

	fields := log.Fields{
		"peer_address": host,
		"peer_port":    port,
	}

	for _, a := range m.associations.values() {
		if a.kind != TypeServer || a.ServerName() != s.name {
			continue
		}
		if !sameHost(a.PeerAddress(), host) {
			continue
		}
		if peerPort := a.PeerPort(); peerPort != 0 && peerPort != port {
			continue
		}

		switch {
		case !a.IsStarted():
			log.WithFields(s.logFields()).WithFields(a.logFields()).WithFields(fields).Warn(
				"Server closes inbound channel of a stopped association")
			return nil

		case a.boundChannel() != nil:
			log.WithFields(s.logFields()).WithFields(a.logFields()).WithFields(fields).Warn(
				"Server closes inbound channel of an association having a channel")
			return nil

		default:
			log.WithFields(s.logFields()).WithFields(a.logFields()).WithFields(fields).Debug(
				"Server routes inbound channel to its association")
			return &a.handler
		}
	}

	if !s.AcceptAnonymous() {
		log.WithFields(s.logFields()).WithFields(fields).Info(
			"Server closes inbound channel without a matching association")
		return nil
	}

	acceptor := m.ServerAcceptor()
	if acceptor == nil {
		log.WithFields(s.logFields()).WithFields(fields).Warn(
			"Server closes anonymous inbound channel, no acceptor is registered")
		return nil
	}

	a := newAssociation(m, uuid.NewString(), TypeAnonymousServer, s.ChannelType())
	a.server = s
	a.serverName = s.name
	a.peerAddress = host
	a.peerPort = port
	if localHost, localPort, err := transport.SplitAddr(ch.LocalAddr()); err == nil {
		a.hostAddress, a.hostPort = localHost, localPort
	} else {
		a.hostAddress, a.hostPort = s.HostAddress(), s.HostPort()
	}

	if !s.reserveAnonymousSlot(a) {
		log.WithFields(s.logFields()).WithFields(fields).WithField("max", s.MaxConcurrentConnections()).Warn(
			"Server closes anonymous inbound channel, all connections are in use")
		return nil
	}

	ok := isolate("OnNewRemoteConnection", s.logFields(), func() {
		acceptor.OnNewRemoteConnection(s, a)
	})

	if !ok || !a.IsStarted() {
		if a.IsStarted() {
			_ = a.stop()
		}
		s.releaseAnonymousSlot(a)

		log.WithFields(s.logFields()).WithFields(a.logFields()).WithFields(fields).Info(
			"Server closes rejected anonymous inbound channel")
		return nil
	}

	log.WithFields(s.logFields()).WithFields(a.logFields()).WithFields(fields).Info(
		"Server accepted anonymous inbound channel")
	return &a.handler
}

// sameHost compares two addresses, as IPs if both can be parsed.
func sameHost(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA != nil && ipB != nil {
		return ipA.Equal(ipB)
	}
	return strings.EqualFold(a, b)
}
