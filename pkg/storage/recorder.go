// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// Recorder persists the changes of an assoc.Management into a Store. Register
// it as an assoc.ManagementEventListener.
//
// Stopping the Management itself does not alter the stored started flags, so
// a restored topology is started as it was before.
type Recorder struct {
	assoc.BaseManagementEventListener

	store    *Store
	stopping atomic.Bool
}

// NewRecorder for the given Store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) putServer(s *assoc.Server) {
	if err := r.store.PutServer(newServerItem(s)); err != nil {
		log.WithFields(log.Fields{
			"server": s.Name(),
			"error":  err,
		}).Warn("Recorder failed to store server")
	}
}

func (r *Recorder) putAssociation(a *assoc.Association) {
	if a.Type() == assoc.TypeAnonymousServer {
		return
	}

	if err := r.store.PutAssociation(newAssociationItem(a)); err != nil {
		log.WithFields(log.Fields{
			"association": a.Name(),
			"error":       err,
		}).Warn("Recorder failed to store association")
	}
}

func (r *Recorder) OnServiceStarted() {
	r.stopping.Store(false)
}

func (r *Recorder) OnServiceStopped() {
	r.stopping.Store(true)
}

func (r *Recorder) OnRemoveAllResources() {
	if err := r.store.Clear(); err != nil {
		log.WithError(err).Warn("Recorder failed to clear the store")
	}
}

func (r *Recorder) OnServerAdded(s *assoc.Server) {
	r.putServer(s)
}

func (r *Recorder) OnServerModified(s *assoc.Server) {
	r.putServer(s)
}

func (r *Recorder) OnServerStarted(s *assoc.Server) {
	r.putServer(s)
}

func (r *Recorder) OnServerStopped(s *assoc.Server) {
	if !r.stopping.Load() {
		r.putServer(s)
	}
}

func (r *Recorder) OnServerRemoved(s *assoc.Server) {
	if err := r.store.DeleteServer(s.Name()); err != nil {
		log.WithFields(log.Fields{
			"server": s.Name(),
			"error":  err,
		}).Warn("Recorder failed to delete server")
	}
}

func (r *Recorder) OnAssociationAdded(a *assoc.Association) {
	r.putAssociation(a)
}

func (r *Recorder) OnAssociationModified(a *assoc.Association) {
	r.putAssociation(a)
}

func (r *Recorder) OnAssociationStarted(a *assoc.Association) {
	r.putAssociation(a)
}

func (r *Recorder) OnAssociationStopped(a *assoc.Association) {
	if !r.stopping.Load() {
		r.putAssociation(a)
	}
}

func (r *Recorder) OnAssociationRemoved(a *assoc.Association) {
	if a.Type() == assoc.TypeAnonymousServer {
		return
	}

	if err := r.store.DeleteAssociation(a.Name()); err != nil {
		log.WithFields(log.Fields{
			"association": a.Name(),
			"error":       err,
		}).Warn("Recorder failed to delete association")
	}
}
