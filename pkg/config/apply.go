// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// Apply reconciles a started Management with the next Config.
//
// Servers and associations of next are added or modified until they match
// their blocks, and then started or stopped according to their Start flag.
// Resources only named by previous are stopped and removed. Resources neither
// configured in previous nor next, e.g., created through the API, are kept.
// previous might be nil for the first configuration.
//
// New associations get their AssociationListener from listeners. Failures of
// single resources are collected and do not abort the reconciliation.
func Apply(m *assoc.Management, previous, next *Config, listeners assoc.ListenerFactory) error {
	if previous == nil {
		previous = &Config{}
	}

	var errs error

	if err := m.SetConnectDelay(next.Management.ConnectDelay.Duration); err != nil {
		errs = multierror.Append(errs, err)
	}

	nextServers := make(map[string]struct{}, len(next.Servers))
	for _, sc := range next.Servers {
		nextServers[sc.Name] = struct{}{}
	}
	nextAssociations := make(map[string]AssociationConf, len(next.Associations))
	for _, ac := range next.Associations {
		nextAssociations[ac.Name] = ac
	}

	// Associations go first, as they might block the removal of their server.
	for _, ac := range previous.Associations {
		if nac, ok := nextAssociations[ac.Name]; ok && nac.Type == ac.Type {
			continue
		}
		if err := removeAssociation(m, ac.Name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("removing association %s: %w", ac.Name, err))
		}
	}

	for _, sc := range next.Servers {
		if err := applyServer(m, sc); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("configuring server %s: %w", sc.Name, err))
		}
	}

	for _, ac := range next.Associations {
		if err := applyAssociation(m, ac, listeners); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("configuring association %s: %w", ac.Name, err))
		}
	}

	for _, sc := range previous.Servers {
		if _, ok := nextServers[sc.Name]; ok {
			continue
		}
		if err := removeServer(m, sc.Name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("removing server %s: %w", sc.Name, err))
		}
	}

	for _, sc := range next.Servers {
		if err := applyServerState(m, sc); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting or stopping server %s: %w", sc.Name, err))
		}
	}

	for _, ac := range next.Associations {
		if err := applyAssociationState(m, ac, listeners); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting or stopping association %s: %w", ac.Name, err))
		}
	}

	log.WithFields(log.Fields{
		"management":   m.Name(),
		"servers":      len(next.Servers),
		"associations": len(next.Associations),
		"failed":       errs != nil,
	}).Info("Configuration was applied")

	return errs
}

func removeAssociation(m *assoc.Management, name string) error {
	a, err := m.Association(name)
	if errors.Is(err, assoc.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if a.IsStarted() {
		if err := m.StopAssociation(name); err != nil {
			return err
		}
	}
	return m.RemoveAssociation(name)
}

func removeServer(m *assoc.Management, name string) error {
	s, err := m.Server(name)
	if errors.Is(err, assoc.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if s.IsStarted() {
		if err := m.StopServer(name); err != nil {
			return err
		}
	}
	return m.RemoveServer(name)
}

func applyServer(m *assoc.Management, sc ServerConf) error {
	s, err := m.Server(sc.Name)
	if errors.Is(err, assoc.ErrNotFound) {
		_, err = m.AddServer(sc.ServerConfig())
		return err
	} else if err != nil {
		return err
	}

	mod, changed := serverModification(s.Info(), sc)
	if !changed {
		return nil
	}

	if s.IsStarted() {
		if err := m.StopServer(sc.Name); err != nil {
			return err
		}
	}
	_, err = m.ModifyServer(sc.Name, mod)
	return err
}

func serverModification(info assoc.ServerInfo, sc ServerConf) (mod assoc.ServerModification, changed bool) {
	if info.HostAddress != sc.HostAddress {
		mod.HostAddress, changed = &sc.HostAddress, true
	}
	if info.HostPort != sc.HostPort {
		mod.HostPort, changed = &sc.HostPort, true
	}
	if !slices.Equal(info.ExtraHostAddresses, sc.ExtraHostAddresses) {
		mod.ExtraHostAddresses, changed = append([]string{}, sc.ExtraHostAddresses...), true
	}
	if info.ChannelType != sc.ChannelType {
		mod.ChannelType, changed = &sc.ChannelType, true
	}
	if info.AcceptAnonymous != sc.AcceptAnonymous {
		mod.AcceptAnonymous, changed = &sc.AcceptAnonymous, true
	}
	if info.MaxConcurrentConnections != sc.MaxConcurrentConnections {
		mod.MaxConcurrentConnections, changed = &sc.MaxConcurrentConnections, true
	}
	return
}

func addAssociation(m *assoc.Management, ac AssociationConf, listeners assoc.ListenerFactory) error {
	var a *assoc.Association
	var err error

	if ac.Type == assoc.TypeServer {
		a, err = m.AddServerAssociation(ac.ServerAssociationConfig())
	} else {
		a, err = m.AddAssociation(ac.AssociationConfig())
	}
	if err != nil {
		return err
	}

	return setListener(a, listeners)
}

func setListener(a *assoc.Association, listeners assoc.ListenerFactory) error {
	if a.Listener() != nil || listeners == nil {
		return nil
	}
	if l := listeners(a); l != nil {
		return a.SetListener(l)
	}
	return nil
}

func applyAssociation(m *assoc.Management, ac AssociationConf, listeners assoc.ListenerFactory) error {
	a, err := m.Association(ac.Name)
	if errors.Is(err, assoc.ErrNotFound) {
		return addAssociation(m, ac, listeners)
	} else if err != nil {
		return err
	}

	if a.Type() != ac.Type {
		if err := removeAssociation(m, ac.Name); err != nil {
			return err
		}
		return addAssociation(m, ac, listeners)
	}

	info := a.Info()
	if info.ChannelType != ac.ChannelType && a.IsStarted() {
		if err := m.StopAssociation(ac.Name); err != nil {
			return err
		}
	}

	if ac.Type == assoc.TypeServer {
		if mod, changed := serverAssociationModification(info, ac); changed {
			_, err = m.ModifyServerAssociation(ac.Name, mod)
		}
	} else {
		if mod, changed := associationModification(info, ac); changed {
			_, err = m.ModifyAssociation(ac.Name, mod)
		}
	}
	return err
}

func associationModification(info assoc.AssociationInfo, ac AssociationConf) (mod assoc.AssociationModification, changed bool) {
	if info.HostAddress != ac.HostAddress {
		mod.HostAddress, changed = &ac.HostAddress, true
	}
	if info.HostPort != ac.HostPort {
		mod.HostPort, changed = &ac.HostPort, true
	}
	if info.PeerAddress != ac.PeerAddress {
		mod.PeerAddress, changed = &ac.PeerAddress, true
	}
	if info.PeerPort != ac.PeerPort {
		mod.PeerPort, changed = &ac.PeerPort, true
	}
	if !slices.Equal(info.ExtraHostAddresses, ac.ExtraHostAddresses) {
		mod.ExtraHostAddresses, changed = append([]string{}, ac.ExtraHostAddresses...), true
	}
	if info.ChannelType != ac.ChannelType {
		mod.ChannelType, changed = &ac.ChannelType, true
	}
	return
}

func serverAssociationModification(info assoc.AssociationInfo, ac AssociationConf) (mod assoc.ServerAssociationModification, changed bool) {
	if info.PeerAddress != ac.PeerAddress {
		mod.PeerAddress, changed = &ac.PeerAddress, true
	}
	if info.PeerPort != ac.PeerPort {
		mod.PeerPort, changed = &ac.PeerPort, true
	}
	if info.ServerName != ac.Server {
		mod.ServerName, changed = &ac.Server, true
	}
	if info.ChannelType != ac.ChannelType {
		mod.ChannelType, changed = &ac.ChannelType, true
	}
	return
}

func applyServerState(m *assoc.Management, sc ServerConf) error {
	s, err := m.Server(sc.Name)
	if err != nil {
		return err
	}

	switch {
	case sc.Start && !s.IsStarted():
		return m.StartServer(sc.Name)
	case !sc.Start && s.IsStarted():
		return m.StopServer(sc.Name)
	default:
		return nil
	}
}

func applyAssociationState(m *assoc.Management, ac AssociationConf, listeners assoc.ListenerFactory) error {
	a, err := m.Association(ac.Name)
	if err != nil {
		return err
	}

	switch {
	case ac.Start && !a.IsStarted():
		if err := setListener(a, listeners); err != nil {
			return err
		}
		return m.StartAssociation(ac.Name)
	case !ac.Start && a.IsStarted():
		return m.StopAssociation(ac.Name)
	default:
		return nil
	}
}
