// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists the topology of an assoc.Management, i.e., its
// servers and provisioned associations, in a badgerhold database.
package storage

import (
	"errors"
	"os"
	"path"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

const dirBadger string = "db"

// Store of ServerItems and AssociationItems.
type Store struct {
	bh *badgerhold.Store

	// mutex serializes read-modify-write cycles and guards seq.
	mutex sync.Mutex
	seq   uint64

	badgerDir string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	bh, bhErr := badgerhold.Open(opts)
	if bhErr != nil {
		err = bhErr
		return
	}

	s = &Store{
		bh:        bh,
		badgerDir: badgerDir,
	}

	if seqErr := s.loadSeq(); seqErr != nil {
		_ = bh.Close()
		s, err = nil, seqErr
	}
	return
}

// loadSeq continues the insertion sequence of the stored items.
func (s *Store) loadSeq() error {
	servers, err := s.Servers()
	if err != nil {
		return err
	}
	associations, err := s.Associations()
	if err != nil {
		return err
	}

	for _, si := range servers {
		if si.Seq > s.seq {
			s.seq = si.Seq
		}
	}
	for _, ai := range associations {
		if ai.Seq > s.seq {
			s.seq = ai.Seq
		}
	}
	return nil
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// PutServer inserts or updates a ServerItem, keeping a known insertion order.
func (s *Store) PutServer(si ServerItem) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var known ServerItem
	if err := s.bh.Get(si.Name, &known); err == nil {
		si.Seq = known.Seq
	} else if errors.Is(err, badgerhold.ErrNotFound) {
		s.seq++
		si.Seq = s.seq
	} else {
		return err
	}

	log.WithFields(log.Fields{
		"server":  si.Name,
		"started": si.Started,
	}).Debug("Store puts ServerItem")

	return s.bh.Upsert(si.Name, si)
}

// Server fetches the ServerItem for the requested name.
func (s *Store) Server(name string) (si ServerItem, err error) {
	err = s.bh.Get(name, &si)
	return
}

// inSeqOrder queries every item, sorted by insertion.
func inSeqOrder() *badgerhold.Query {
	return badgerhold.Where("Seq").Ge(uint64(0)).SortBy("Seq")
}

// Servers fetches all ServerItems in insertion order.
func (s *Store) Servers() (sis []ServerItem, err error) {
	err = s.bh.Find(&sis, inSeqOrder())
	return
}

// DeleteServer removes a ServerItem; unknown names are ignored.
func (s *Store) DeleteServer(name string) error {
	log.WithField("server", name).Debug("Store deletes ServerItem")

	if err := s.bh.Delete(name, ServerItem{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	return nil
}

// PutAssociation inserts or updates an AssociationItem, keeping a known
// insertion order.
func (s *Store) PutAssociation(ai AssociationItem) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var known AssociationItem
	if err := s.bh.Get(ai.Name, &known); err == nil {
		ai.Seq = known.Seq
	} else if errors.Is(err, badgerhold.ErrNotFound) {
		s.seq++
		ai.Seq = s.seq
	} else {
		return err
	}

	log.WithFields(log.Fields{
		"association": ai.Name,
		"type":        ai.Type,
		"started":     ai.Started,
	}).Debug("Store puts AssociationItem")

	return s.bh.Upsert(ai.Name, ai)
}

// Association fetches the AssociationItem for the requested name.
func (s *Store) Association(name string) (ai AssociationItem, err error) {
	err = s.bh.Get(name, &ai)
	return
}

// Associations fetches all AssociationItems in insertion order.
func (s *Store) Associations() (ais []AssociationItem, err error) {
	err = s.bh.Find(&ais, inSeqOrder())
	return
}

// DeleteAssociation removes an AssociationItem; unknown names are ignored.
func (s *Store) DeleteAssociation(name string) error {
	log.WithField("association", name).Debug("Store deletes AssociationItem")

	if err := s.bh.Delete(name, AssociationItem{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	return nil
}

// Clear removes every stored item.
func (s *Store) Clear() error {
	log.Info("Store deletes all items")

	if err := s.bh.DeleteMatching(AssociationItem{}, nil); err != nil {
		return err
	}
	return s.bh.DeleteMatching(ServerItem{}, nil)
}
