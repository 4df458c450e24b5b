// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// ServerModification lists the changes to a Server. Nil fields are kept.
type ServerModification struct {
	HostAddress              *string                `json:"hostAddress,omitempty"`
	HostPort                 *int                   `json:"hostPort,omitempty"`
	ExtraHostAddresses       []string               `json:"extraHostAddresses,omitempty"`
	ChannelType              *transport.ChannelType `json:"channelType,omitempty"`
	AcceptAnonymous          *bool                  `json:"acceptAnonymous,omitempty"`
	MaxConcurrentConnections *int                   `json:"maxConcurrentConnections,omitempty"`
}

// AssociationModification lists the changes to a client association. Nil
// fields are kept.
type AssociationModification struct {
	HostAddress        *string                `json:"hostAddress,omitempty"`
	HostPort           *int                   `json:"hostPort,omitempty"`
	PeerAddress        *string                `json:"peerAddress,omitempty"`
	PeerPort           *int                   `json:"peerPort,omitempty"`
	ExtraHostAddresses []string               `json:"extraHostAddresses,omitempty"`
	ChannelType        *transport.ChannelType `json:"channelType,omitempty"`
}

// ServerAssociationModification lists the changes to a server association. Nil
// fields are kept.
type ServerAssociationModification struct {
	PeerAddress *string                `json:"peerAddress,omitempty"`
	PeerPort    *int                   `json:"peerPort,omitempty"`
	ServerName  *string                `json:"serverName,omitempty"`
	ChannelType *transport.ChannelType `json:"channelType,omitempty"`
}

// ModifyServer changes a stopped Server. A new channel type must match all of
// the server's associations.
func (m *Management) ModifyServer(name string, mod ServerModification) (*Server, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	s, err := m.Server(name)
	if err != nil {
		return nil, err
	}
	if s.IsStarted() {
		return nil, invalidStateErrorf("server=%s is started, stop before modifying", name)
	}

	s.mutex.RLock()
	cfg := ServerConfig{
		Name:                     s.name,
		HostAddress:              s.hostAddress,
		HostPort:                 s.hostPort,
		ExtraHostAddresses:       s.extraHostAddresses,
		ChannelType:              s.channelType,
		AcceptAnonymous:          s.acceptAnonymous,
		MaxConcurrentConnections: s.maxConcurrentConnections,
	}
	s.mutex.RUnlock()

	if mod.HostAddress != nil {
		cfg.HostAddress = *mod.HostAddress
	}
	if mod.HostPort != nil {
		cfg.HostPort = *mod.HostPort
	}
	if mod.ExtraHostAddresses != nil {
		cfg.ExtraHostAddresses = mod.ExtraHostAddresses
	}
	if mod.ChannelType != nil {
		cfg.ChannelType = *mod.ChannelType
	}
	if mod.AcceptAnonymous != nil {
		cfg.AcceptAnonymous = *mod.AcceptAnonymous
	}
	if mod.MaxConcurrentConnections != nil {
		cfg.MaxConcurrentConnections = *mod.MaxConcurrentConnections
	}

	if err := m.validateServer(s, cfg); err != nil {
		return nil, err
	}
	if cfg.ChannelType != s.ChannelType() {
		for _, assocName := range s.Associations() {
			if a, ok := m.associations.get(assocName); ok && a.ChannelType() != cfg.ChannelType {
				return nil, validationErrorf("association=%s of server=%s uses %v, not %v",
					assocName, name, a.ChannelType(), cfg.ChannelType)
			}
		}
	}

	s.mutex.Lock()
	s.hostAddress = cfg.HostAddress
	s.hostPort = cfg.HostPort
	s.extraHostAddresses = append([]string(nil), cfg.ExtraHostAddresses...)
	s.channelType = cfg.ChannelType
	s.acceptAnonymous = cfg.AcceptAnonymous
	s.maxConcurrentConnections = cfg.MaxConcurrentConnections
	s.mutex.Unlock()

	for _, assocName := range s.Associations() {
		if a, ok := m.associations.get(assocName); ok {
			a.mutex.Lock()
			a.hostAddress, a.hostPort = cfg.HostAddress, cfg.HostPort
			a.mutex.Unlock()
		}
	}

	log.WithFields(s.logFields()).WithField("server_config", s).Info("Server was modified")
	m.fireServerModified(s)
	return s, nil
}

// ModifyAssociation changes a client association. Changing the channel type
// requires a stopped association; other changes to a started association are
// applied by restarting it.
func (m *Management) ModifyAssociation(name string, mod AssociationModification) (*Association, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	a, err := m.Association(name)
	if err != nil {
		return nil, err
	}
	if a.kind != TypeClient {
		return nil, validationErrorf("association=%s is of type %v, not %v", name, a.kind, TypeClient)
	}

	a.mutex.RLock()
	cfg := AssociationConfig{
		Name:               a.name,
		HostAddress:        a.hostAddress,
		HostPort:           a.hostPort,
		PeerAddress:        a.peerAddress,
		PeerPort:           a.peerPort,
		ExtraHostAddresses: a.extraHostAddresses,
		ChannelType:        a.channelType,
	}
	a.mutex.RUnlock()
	previous := cfg

	if mod.HostAddress != nil {
		cfg.HostAddress = *mod.HostAddress
	}
	if mod.HostPort != nil {
		cfg.HostPort = *mod.HostPort
	}
	if mod.PeerAddress != nil {
		cfg.PeerAddress = *mod.PeerAddress
	}
	if mod.PeerPort != nil {
		cfg.PeerPort = *mod.PeerPort
	}
	if mod.ExtraHostAddresses != nil {
		cfg.ExtraHostAddresses = mod.ExtraHostAddresses
	}
	if mod.ChannelType != nil {
		cfg.ChannelType = *mod.ChannelType
	}

	if err := m.validateAssociation(a, cfg); err != nil {
		return nil, err
	}
	if cfg.ChannelType != previous.ChannelType && a.IsStarted() {
		return nil, invalidStateErrorf("association=%s is started, stop before changing its channel type", name)
	}

	a.mutex.Lock()
	a.hostAddress = cfg.HostAddress
	a.hostPort = cfg.HostPort
	a.peerAddress = cfg.PeerAddress
	a.peerPort = cfg.PeerPort
	a.extraHostAddresses = append([]string(nil), cfg.ExtraHostAddresses...)
	a.channelType = cfg.ChannelType
	a.mutex.Unlock()

	log.WithFields(a.logFields()).WithField("association_config", a).Info("Association was modified")

	err = m.restartModified(a)
	m.fireAssociationModified(a)
	return a, err
}

// ModifyServerAssociation changes a server association, which might move to
// another Server. Changing the channel type requires a stopped association;
// other changes to a started association are applied by restarting it.
func (m *Management) ModifyServerAssociation(name string, mod ServerAssociationModification) (*Association, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	a, err := m.Association(name)
	if err != nil {
		return nil, err
	}
	if a.kind != TypeServer {
		return nil, validationErrorf("association=%s is of type %v, not %v", name, a.kind, TypeServer)
	}

	a.mutex.RLock()
	cfg := ServerAssociationConfig{
		Name:        a.name,
		PeerAddress: a.peerAddress,
		PeerPort:    a.peerPort,
		ServerName:  a.serverName,
		ChannelType: a.channelType,
	}
	a.mutex.RUnlock()
	previous := cfg

	if mod.PeerAddress != nil {
		cfg.PeerAddress = *mod.PeerAddress
	}
	if mod.PeerPort != nil {
		cfg.PeerPort = *mod.PeerPort
	}
	if mod.ServerName != nil {
		cfg.ServerName = *mod.ServerName
	}
	if mod.ChannelType != nil {
		cfg.ChannelType = *mod.ChannelType
	}

	s, err := m.validateServerAssociation(a, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ChannelType != previous.ChannelType && a.IsStarted() {
		return nil, invalidStateErrorf("association=%s is started, stop before changing its channel type", name)
	}

	a.mutex.Lock()
	a.peerAddress = cfg.PeerAddress
	a.peerPort = cfg.PeerPort
	a.serverName = s.name
	a.channelType = cfg.ChannelType
	a.hostAddress = s.HostAddress()
	a.hostPort = s.HostPort()
	a.mutex.Unlock()

	if cfg.ServerName != previous.ServerName {
		if old, ok := m.servers.get(previous.ServerName); ok {
			old.removeAssociation(a.name)
		}
		s.addAssociation(a.name)
	}

	log.WithFields(a.logFields()).WithField("association_config", a).Info("Association was modified")

	err = m.restartModified(a)
	m.fireAssociationModified(a)
	return a, err
}

// restartModified applies a modification to a started Association by stopping
// and starting it again.
func (m *Management) restartModified(a *Association) error {
	if !a.IsStarted() {
		return nil
	}

	log.WithFields(a.logFields()).Info("Association restarts to apply its modification")

	var errs error
	if err := a.stop(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.start(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}
