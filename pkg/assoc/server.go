// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// Server is a named listening endpoint. It references its provisioned server
// associations by name and exclusively owns the anonymous associations
// created for unknown peers.
type Server struct {
	mgmt *Management
	name string

	mutex                    sync.RWMutex
	hostAddress              string
	hostPort                 int
	extraHostAddresses       []string
	channelType              transport.ChannelType
	acceptAnonymous          bool
	maxConcurrentConnections int
	associations             map[string]struct{}

	started atomic.Bool

	listenerMutex sync.Mutex
	listener      transport.Listener

	// anonymous associations which are up and the accepted but not yet
	// established ones; both count towards maxConcurrentConnections.
	anonymousMutex sync.Mutex
	anonymous      map[string]*Association
	pending        map[string]*Association
}

func newServer(mgmt *Management, cfg ServerConfig) *Server {
	return &Server{
		mgmt:                     mgmt,
		name:                     cfg.Name,
		hostAddress:              cfg.HostAddress,
		hostPort:                 cfg.HostPort,
		extraHostAddresses:       append([]string(nil), cfg.ExtraHostAddresses...),
		channelType:              cfg.ChannelType,
		acceptAnonymous:          cfg.AcceptAnonymous,
		maxConcurrentConnections: cfg.MaxConcurrentConnections,
		associations:             make(map[string]struct{}),
		anonymous:                make(map[string]*Association),
		pending:                  make(map[string]*Association),
	}
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) HostAddress() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.hostAddress
}

func (s *Server) HostPort() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.hostPort
}

func (s *Server) ExtraHostAddresses() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.extraHostAddresses...)
}

func (s *Server) ChannelType() transport.ChannelType {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.channelType
}

// AcceptAnonymous reports if connections of unknown peers are offered to the
// ServerAcceptor.
func (s *Server) AcceptAnonymous() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.acceptAnonymous
}

// MaxConcurrentConnections limits the anonymous associations; zero means
// unlimited.
func (s *Server) MaxConcurrentConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.maxConcurrentConnections
}

func (s *Server) IsStarted() bool {
	return s.started.Load()
}

// Associations returns the sorted names of the provisioned associations.
func (s *Server) Associations() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sortedAssociationsLocked()
}

func (s *Server) hasAssociation(name string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.associations[name]
	return ok
}

func (s *Server) addAssociation(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.associations[name] = struct{}{}
}

func (s *Server) removeAssociation(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.associations, name)
}

// AnonymousAssociations returns a snapshot of the live anonymous associations.
func (s *Server) AnonymousAssociations() []*Association {
	s.anonymousMutex.Lock()
	defer s.anonymousMutex.Unlock()

	as := make([]*Association, 0, len(s.anonymous))
	for _, a := range s.anonymous {
		as = append(as, a)
	}
	sort.Slice(as, func(i, j int) bool { return as[i].name < as[j].name })
	return as
}

// reserveAnonymousSlot claims one of the anonymous connection slots for a.
func (s *Server) reserveAnonymousSlot(a *Association) bool {
	limit := s.MaxConcurrentConnections()

	s.anonymousMutex.Lock()
	defer s.anonymousMutex.Unlock()

	if limit > 0 && len(s.anonymous)+len(s.pending) >= limit {
		return false
	}
	s.pending[a.name] = a
	a.reserved.Store(true)
	return true
}

// releaseAnonymousSlot frees the slot of an anonymous association which never
// became live.
func (s *Server) releaseAnonymousSlot(a *Association) {
	s.anonymousMutex.Lock()
	defer s.anonymousMutex.Unlock()

	if a.reserved.CompareAndSwap(true, false) {
		delete(s.pending, a.name)
	}
}

// addAnonymous turns an anonymous association's reservation into a live slot.
func (s *Server) addAnonymous(a *Association) {
	s.anonymousMutex.Lock()
	defer s.anonymousMutex.Unlock()

	if a.reserved.CompareAndSwap(true, false) {
		delete(s.pending, a.name)
	}
	s.anonymous[a.name] = a
}

func (s *Server) removeAnonymous(a *Association) {
	s.anonymousMutex.Lock()
	defer s.anonymousMutex.Unlock()

	delete(s.anonymous, a.name)
}

// ownedAnonymous returns the live and pending anonymous associations.
func (s *Server) ownedAnonymous() []*Association {
	s.anonymousMutex.Lock()
	defer s.anonymousMutex.Unlock()

	as := make([]*Association, 0, len(s.anonymous)+len(s.pending))
	for _, a := range s.anonymous {
		as = append(as, a)
	}
	for _, a := range s.pending {
		as = append(as, a)
	}
	return as
}

// Info returns a snapshot of the Server.
func (s *Server) Info() ServerInfo {
	anonymous := s.AnonymousAssociations()
	anonymousNames := make([]string, len(anonymous))
	for i, a := range anonymous {
		anonymousNames[i] = a.name
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return ServerInfo{
		Name:                     s.name,
		HostAddress:              s.hostAddress,
		HostPort:                 s.hostPort,
		ExtraHostAddresses:       append([]string(nil), s.extraHostAddresses...),
		ChannelType:              s.channelType,
		AcceptAnonymous:          s.acceptAnonymous,
		MaxConcurrentConnections: s.maxConcurrentConnections,
		Started:                  s.started.Load(),
		Associations:             s.sortedAssociationsLocked(),
		AnonymousAssociations:    anonymousNames,
	}
}

func (s *Server) sortedAssociationsLocked() []string {
	names := make([]string, 0, len(s.associations))
	for name := range s.associations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) String() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return fmt.Sprintf("Server(name=%s, channel=%v, host=%s:%d, anonymous=%t, max=%d, started=%t)",
		s.name, s.channelType, s.hostAddress, s.hostPort, s.acceptAnonymous,
		s.maxConcurrentConnections, s.started.Load())
}

func (s *Server) logFields() log.Fields {
	return log.Fields{
		"server": s.name,
	}
}

// start binds the listening socket.
func (s *Server) start() error {
	s.listenerMutex.Lock()
	defer s.listenerMutex.Unlock()

	if s.started.Load() {
		return invalidStateErrorf("server=%s is already started", s.name)
	}

	s.mutex.RLock()
	ct := s.channelType
	req := transport.ListenRequest{
		Address:        s.hostAddress,
		Port:           s.hostPort,
		ExtraAddresses: append([]string(nil), s.extraHostAddresses...),
	}
	s.mutex.RUnlock()

	ln, err := s.mgmt.listen(ct, req, func(ch transport.Channel) transport.Handler {
		return s.mgmt.admit(s, ch)
	})
	if err != nil {
		return fmt.Errorf("server=%s failed to listen on %v: %w", s.name, req, err)
	}

	s.listener = ln
	s.started.Store(true)

	log.WithFields(s.logFields()).WithField("address", ln.Addr()).Info("Server was started")
	s.mgmt.fireServerStarted(s)
	return nil
}

// stop requires all provisioned associations to be stopped. Anonymous
// associations are stopped and discarded; the listening socket is closed
// synchronously.
func (s *Server) stop() error {
	for _, name := range s.Associations() {
		if a, err := s.mgmt.Association(name); err == nil && a.IsStarted() {
			return busyErrorf("stop all the associations first, association=%s is still started", name)
		}
	}

	for _, a := range s.ownedAnonymous() {
		if err := a.StopAnonymous(); err != nil {
			log.WithFields(s.logFields()).WithFields(log.Fields{
				"association": a.name,
				"error":       err,
			}).Warn("Server failed to stop anonymous association")
		}
	}

	s.anonymousMutex.Lock()
	s.anonymous = make(map[string]*Association)
	s.pending = make(map[string]*Association)
	s.anonymousMutex.Unlock()

	s.listenerMutex.Lock()
	defer s.listenerMutex.Unlock()

	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}

	log.WithFields(s.logFields()).Info("Server was stopped")
	s.mgmt.fireServerStopped(s)
	return err
}
