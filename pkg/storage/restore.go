// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// Restore replays the stored topology into a started Management: first all
// servers, then all associations, each in their insertion order. Afterwards,
// the previously started servers and associations are started again.
//
// Associations only get started if listeners returns an AssociationListener.
// Failures of single items are collected and do not abort the restore.
func (s *Store) Restore(m *assoc.Management, listeners assoc.ListenerFactory) error {
	servers, err := s.Servers()
	if err != nil {
		return err
	}
	associations, err := s.Associations()
	if err != nil {
		return err
	}

	var errs error

	for _, si := range servers {
		if _, err := m.AddServer(si.Config()); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restoring server %s: %w", si.Name, err))
		}
	}

	var restored []*assoc.Association
	for _, ai := range associations {
		var a *assoc.Association
		var err error

		switch ai.Type {
		case assoc.TypeClient:
			a, err = m.AddAssociation(ai.ClientConfig())
		case assoc.TypeServer:
			a, err = m.AddServerAssociation(ai.ServerAssociationConfig())
		default:
			err = fmt.Errorf("association type %v cannot be restored", ai.Type)
		}

		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restoring association %s: %w", ai.Name, err))
			continue
		}

		if listeners != nil {
			if l := listeners(a); l != nil {
				if err := a.SetListener(l); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}

		if ai.Started {
			restored = append(restored, a)
		}
	}

	for _, si := range servers {
		if !si.Started {
			continue
		}
		if err := m.StartServer(si.Name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting server %s: %w", si.Name, err))
		}
	}

	for _, a := range restored {
		if a.Listener() == nil {
			log.WithField("association", a.Name()).Warn("Restored association has no listener and stays stopped")
			continue
		}
		if err := m.StartAssociation(a.Name()); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting association %s: %w", a.Name(), err))
		}
	}

	log.WithFields(log.Fields{
		"servers":      len(servers),
		"associations": len(associations),
	}).Info("Store restored topology")

	return errs
}
