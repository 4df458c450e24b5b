// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/assoc-go/pkg/transport"
)

func intPtr(i int) *int {
	return &i
}

func stringPtr(s string) *string {
	return &s
}

func channelTypePtr(ct transport.ChannelType) *transport.ChannelType {
	return &ct
}

func TestModifyServer(t *testing.T) {
	m, p := newTestManagement(t)

	events := &recEvents{}
	m.RegisterManagementEventListener(events)

	_, err := m.AddServer(serverConfig("server", 4000))
	require.NoError(t, err)
	_, err = m.AddServer(serverConfig("other", 4001))
	require.NoError(t, err)
	a, _ := serverAssociation(t, m, "assoc", "127.0.0.2", 5000, false)

	_, err = m.ModifyServer("nope", ServerModification{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.ModifyServer("server", ServerModification{HostPort: intPtr(4001)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.ModifyServer("server", ServerModification{HostPort: intPtr(0)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.ModifyServer("server", ServerModification{ChannelType: channelTypePtr(transport.TCP)})
	assert.ErrorIs(t, err, ErrValidation)

	s, err := m.ModifyServer("server", ServerModification{
		HostPort:                 intPtr(4002),
		AcceptAnonymous:          boolPtr(true),
		MaxConcurrentConnections: intPtr(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 4002, s.HostPort())
	assert.True(t, s.AcceptAnonymous())
	assert.Equal(t, 3, s.MaxConcurrentConnections())
	assert.Equal(t, 4002, a.HostPort())

	// A server without associations may change its channel type.
	other, err := m.ModifyServer("other", ServerModification{ChannelType: channelTypePtr(transport.TCP)})
	require.NoError(t, err)
	assert.Equal(t, transport.TCP, other.ChannelType())

	require.NoError(t, m.StartServer("server"))
	_, err = m.ModifyServer("server", ServerModification{HostPort: intPtr(4003)})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotNil(t, p.listener(transport.SCTP, 4002))

	assert.Contains(t, events.all(), "ServerModified:server")
	assert.Contains(t, events.all(), "ServerModified:other")
}

func boolPtr(b bool) *bool {
	return &b
}

func TestModifyAssociationRestarts(t *testing.T) {
	m, p := newTestManagement(t)

	events := &recEvents{}
	m.RegisterManagementEventListener(events)

	a, l, ch := connectedClient(t, m, p, "client", 2000)

	modified, err := m.ModifyAssociation("client", AssociationModification{PeerPort: intPtr(3100)})
	require.NoError(t, err)
	assert.Same(t, a, modified)
	assert.Equal(t, 3100, a.PeerPort())

	awaitSignal(t, l.downCh, "communication shutdown")
	assert.True(t, ch.isClosed())

	p.awaitDial(t)
	awaitSignal(t, l.upCh, "communication up")

	assert.Equal(t, 3100, p.lastDial().RemotePort)
	assert.True(t, a.IsConnected())
	assert.NoError(t, a.Send(PayloadData{Data: []byte("after")}))

	all := events.all()
	assert.Contains(t, all, "AssociationModified:client")
	assert.Contains(t, all, "AssociationStopped:client")
}

func TestModifyAssociationValidation(t *testing.T) {
	m, p := newTestManagement(t)

	a, _, _ := connectedClient(t, m, p, "client", 2000)
	_, err := m.AddAssociation(clientConfig("other", 2001, 3001))
	require.NoError(t, err)

	_, err = m.ModifyAssociation("client", AssociationModification{ChannelType: channelTypePtr(transport.TCP)})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, transport.SCTP, a.ChannelType())

	_, err = m.ModifyAssociation("client", AssociationModification{PeerPort: intPtr(3001)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.ModifyAssociation("client", AssociationModification{HostPort: intPtr(2001)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.ModifyAssociation("client", AssociationModification{PeerAddress: stringPtr("")})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, 3000, a.PeerPort())
	assert.Equal(t, 2000, a.HostPort())
	assert.True(t, a.IsConnected())

	// Stopped, the channel type may change.
	require.NoError(t, m.StopAssociation("client"))
	_, err = m.ModifyAssociation("client", AssociationModification{ChannelType: channelTypePtr(transport.TCP)})
	require.NoError(t, err)
	assert.Equal(t, transport.TCP, a.ChannelType())
	assert.False(t, a.IsStarted())

	_, err = m.AddServer(serverConfig("server", 4000))
	require.NoError(t, err)
	serverAssociation(t, m, "assoc", "127.0.0.2", 5000, false)

	_, err = m.ModifyAssociation("assoc", AssociationModification{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = m.ModifyServerAssociation("client", ServerAssociationModification{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModifyServerAssociationMoves(t *testing.T) {
	m, _ := newTestManagement(t)

	server, err := m.AddServer(serverConfig("server", 4000))
	require.NoError(t, err)
	other, err := m.AddServer(serverConfig("other", 4001))
	require.NoError(t, err)

	tcp := serverConfig("tcp", 4002)
	tcp.ChannelType = transport.TCP
	_, err = m.AddServer(tcp)
	require.NoError(t, err)

	a, _ := serverAssociation(t, m, "assoc", "127.0.0.2", 5000, false)

	_, err = m.ModifyServerAssociation("assoc", ServerAssociationModification{ServerName: stringPtr("tcp")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.ModifyServerAssociation("assoc", ServerAssociationModification{ServerName: stringPtr("nope")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.ModifyServerAssociation("assoc", ServerAssociationModification{
		ServerName: stringPtr("other"),
		PeerPort:   intPtr(0),
	})
	require.NoError(t, err)

	assert.Equal(t, "other", a.ServerName())
	assert.Equal(t, 0, a.PeerPort())
	assert.Equal(t, 4001, a.HostPort())
	assert.Empty(t, server.Associations())
	assert.Equal(t, []string{"assoc"}, other.Associations())

	// Moving the server's channel type along with the association.
	_, err = m.ModifyServerAssociation("assoc", ServerAssociationModification{
		ServerName:  stringPtr("tcp"),
		ChannelType: channelTypePtr(transport.TCP),
	})
	require.NoError(t, err)
	assert.Equal(t, transport.TCP, a.ChannelType())
	assert.Empty(t, other.Associations())

	// Removing the association updates its current server.
	require.NoError(t, m.RemoveAssociation("assoc"))
	require.NoError(t, m.RemoveServer("tcp"))
}

func TestModifyServerAssociationCollision(t *testing.T) {
	m, _ := newTestManagement(t)

	_, err := m.AddServer(serverConfig("server", 4000))
	require.NoError(t, err)
	serverAssociation(t, m, "first", "127.0.0.2", 5000, false)
	second, _ := serverAssociation(t, m, "second", "127.0.0.2", 5001, false)

	_, err = m.ModifyServerAssociation("second", ServerAssociationModification{PeerPort: intPtr(5000)})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 5001, second.PeerPort())

	_, err = m.ModifyServerAssociation("second", ServerAssociationModification{PeerPort: intPtr(65536)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModifyServerAssociationRestarts(t *testing.T) {
	m, p := newTestManagement(t)

	_, ln := startedServer(t, m, p, serverConfig("server", 4000))
	a, l := serverAssociation(t, m, "assoc", "127.0.0.2", 5000, true)

	ch, accepted := ln.connect("127.0.0.2", 5000)
	require.True(t, accepted)
	awaitSignal(t, l.upCh, "communication up")

	_, err := m.ModifyServerAssociation("assoc", ServerAssociationModification{PeerPort: intPtr(5001)})
	require.NoError(t, err)
	awaitSignal(t, l.downCh, "communication shutdown")
	assert.True(t, ch.isClosed())
	assert.True(t, a.IsStarted())

	// The old endpoint is unknown now, the new one is routed.
	_, accepted = ln.connect("127.0.0.2", 5000)
	assert.False(t, accepted)
	_, accepted = ln.connect("127.0.0.2", 5001)
	assert.True(t, accepted)
	awaitSignal(t, l.upCh, "second communication up")
}
