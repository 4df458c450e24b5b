// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"time"

	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/transport"
)

// ServerItem is the stored definition of a Server.
type ServerItem struct {
	Name string `badgerhold:"key"`
	Seq  uint64

	HostAddress              string
	HostPort                 int
	ExtraHostAddresses       []string
	ChannelType              transport.ChannelType
	AcceptAnonymous          bool
	MaxConcurrentConnections int

	Started bool `badgerholdIndex:"Started"`
	Updated time.Time
}

func newServerItem(s *assoc.Server) ServerItem {
	return ServerItem{
		Name:                     s.Name(),
		HostAddress:              s.HostAddress(),
		HostPort:                 s.HostPort(),
		ExtraHostAddresses:       s.ExtraHostAddresses(),
		ChannelType:              s.ChannelType(),
		AcceptAnonymous:          s.AcceptAnonymous(),
		MaxConcurrentConnections: s.MaxConcurrentConnections(),
		Started:                  s.IsStarted(),
		Updated:                  time.Now(),
	}
}

// Config to recreate the Server.
func (si ServerItem) Config() assoc.ServerConfig {
	return assoc.ServerConfig{
		Name:                     si.Name,
		HostAddress:              si.HostAddress,
		HostPort:                 si.HostPort,
		ExtraHostAddresses:       si.ExtraHostAddresses,
		ChannelType:              si.ChannelType,
		AcceptAnonymous:          si.AcceptAnonymous,
		MaxConcurrentConnections: si.MaxConcurrentConnections,
	}
}

// AssociationItem is the stored definition of a client or server association.
// Anonymous associations are never stored.
type AssociationItem struct {
	Name string `badgerhold:"key"`
	Seq  uint64
	Type assoc.AssociationType `badgerholdIndex:"Type"`

	ChannelType        transport.ChannelType
	HostAddress        string
	HostPort           int
	PeerAddress        string
	PeerPort           int
	ServerName         string
	ExtraHostAddresses []string

	Started bool `badgerholdIndex:"Started"`
	Updated time.Time
}

func newAssociationItem(a *assoc.Association) AssociationItem {
	return AssociationItem{
		Name:               a.Name(),
		Type:               a.Type(),
		ChannelType:        a.ChannelType(),
		HostAddress:        a.HostAddress(),
		HostPort:           a.HostPort(),
		PeerAddress:        a.PeerAddress(),
		PeerPort:           a.PeerPort(),
		ServerName:         a.ServerName(),
		ExtraHostAddresses: a.ExtraHostAddresses(),
		Started:            a.IsStarted(),
		Updated:            time.Now(),
	}
}

// ClientConfig to recreate a client association.
func (ai AssociationItem) ClientConfig() assoc.AssociationConfig {
	return assoc.AssociationConfig{
		Name:               ai.Name,
		HostAddress:        ai.HostAddress,
		HostPort:           ai.HostPort,
		PeerAddress:        ai.PeerAddress,
		PeerPort:           ai.PeerPort,
		ExtraHostAddresses: ai.ExtraHostAddresses,
		ChannelType:        ai.ChannelType,
	}
}

// ServerAssociationConfig to recreate a server association.
func (ai AssociationItem) ServerAssociationConfig() assoc.ServerAssociationConfig {
	return assoc.ServerAssociationConfig{
		Name:        ai.Name,
		PeerAddress: ai.PeerAddress,
		PeerPort:    ai.PeerPort,
		ServerName:  ai.ServerName,
		ChannelType: ai.ChannelType,
	}
}
