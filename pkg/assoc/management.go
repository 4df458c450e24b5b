// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dtn7/assoc-go/pkg/transport"
	"github.com/dtn7/assoc-go/pkg/transport/sctp"
	"github.com/dtn7/assoc-go/pkg/transport/tcp"
)

const (
	// DefaultConnectDelay is used for a Config without a ConnectDelay.
	DefaultConnectDelay = 5 * time.Second

	stopPollInterval = 100 * time.Millisecond
	stopPollRetries  = 20
)

// Config of a Management.
type Config struct {
	// ConnectDelay between two connect attempts of a client association.
	ConnectDelay time.Duration

	// Options for the transports; the zero value results in
	// transport.DefaultOptions.
	Options transport.Options

	// Provider of the transports. If nil, a transport.Mux of the TCP and SCTP
	// transports is built from the Options.
	Provider transport.Provider
}

// ServerConfig describes a new Server.
type ServerConfig struct {
	Name                     string                `json:"name"`
	HostAddress              string                `json:"hostAddress"`
	HostPort                 int                   `json:"hostPort"`
	ExtraHostAddresses       []string              `json:"extraHostAddresses,omitempty"`
	ChannelType              transport.ChannelType `json:"channelType"`
	AcceptAnonymous          bool                  `json:"acceptAnonymous"`
	MaxConcurrentConnections int                   `json:"maxConcurrentConnections"`
}

// AssociationConfig describes a new client association.
type AssociationConfig struct {
	Name               string                `json:"name"`
	HostAddress        string                `json:"hostAddress"`
	HostPort           int                   `json:"hostPort"`
	PeerAddress        string                `json:"peerAddress"`
	PeerPort           int                   `json:"peerPort"`
	ExtraHostAddresses []string              `json:"extraHostAddresses,omitempty"`
	ChannelType        transport.ChannelType `json:"channelType"`
}

// ServerAssociationConfig describes a new server association. A PeerPort of
// zero matches any port of the peer.
type ServerAssociationConfig struct {
	Name        string                `json:"name"`
	PeerAddress string                `json:"peerAddress"`
	PeerPort    int                   `json:"peerPort"`
	ServerName  string                `json:"serverName"`
	ChannelType transport.ChannelType `json:"channelType"`
}

// Management is the registry of Servers and Associations. It is the only owner
// of the provisioned resources, which are identified by their unique names.
//
// Structural operations require a started Management. They are serialized
// among each other, so validation and mutation happen atomically. Event
// listeners must not call structural operations synchronously.
type Management struct {
	name string

	mutex        sync.RWMutex
	connectDelay time.Duration
	options      transport.Options
	provider     transport.Provider
	ownProvider  bool

	started atomic.Bool

	provisioning sync.Mutex
	servers      *registry[*Server]
	associations *registry[*Association]

	listenersMutex sync.RWMutex
	listeners      map[uuid.UUID]ManagementEventListener

	acceptorMutex sync.RWMutex
	acceptor      ServerAcceptor
}

// NewManagement creates a new, stopped Management.
func NewManagement(name string, cfg Config) (*Management, error) {
	if name == "" {
		return nil, validationErrorf("management name must not be empty")
	}

	if cfg.ConnectDelay == 0 {
		cfg.ConnectDelay = DefaultConnectDelay
	} else if cfg.ConnectDelay < 0 {
		return nil, validationErrorf("connect delay %v must not be negative", cfg.ConnectDelay)
	}

	if cfg.Options == (transport.Options{}) {
		cfg.Options = transport.DefaultOptions()
	} else if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	m := &Management{
		name:         name,
		connectDelay: cfg.ConnectDelay,
		options:      cfg.Options,
		provider:     cfg.Provider,
		servers:      newRegistry[*Server](),
		associations: newRegistry[*Association](),
		listeners:    make(map[uuid.UUID]ManagementEventListener),
	}

	if m.provider == nil {
		m.provider = defaultProvider(cfg.Options)
		m.ownProvider = true
	}

	return m, nil
}

func defaultProvider(opts transport.Options) transport.Provider {
	return transport.NewMux(tcp.New(opts), sctp.New(opts))
}

func (m *Management) Name() string {
	return m.name
}

func (m *Management) IsStarted() bool {
	return m.started.Load()
}

func (m *Management) String() string {
	return fmt.Sprintf("Management(name=%s, started=%t, servers=%d, associations=%d)",
		m.name, m.started.Load(), m.servers.len(), m.associations.len())
}

func (m *Management) logFields() log.Fields {
	return log.Fields{
		"management": m.name,
	}
}

func (m *Management) checkStarted() error {
	if !m.started.Load() {
		return invalidStateErrorf("management=%s is not started", m.name)
	}
	return nil
}

// ConnectDelay between two connect attempts of a client association.
func (m *Management) ConnectDelay() time.Duration {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.connectDelay
}

// SetConnectDelay changes the delay for upcoming connect attempts.
func (m *Management) SetConnectDelay(delay time.Duration) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	if delay <= 0 {
		return validationErrorf("connect delay %v must be positive", delay)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectDelay = delay
	return nil
}

// Options returns the transport options.
func (m *Management) Options() transport.Options {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.options
}

// SetOptions replaces the transport options while the Management is stopped.
// A custom Provider is kept and has to be reconfigured by its owner.
func (m *Management) SetOptions(opts transport.Options) error {
	if m.started.Load() {
		return invalidStateErrorf("management=%s is started, stop before changing options", m.name)
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.options = opts
	if m.ownProvider {
		m.provider = defaultProvider(opts)
	}
	return nil
}

func (m *Management) dial(ct transport.ChannelType, req transport.DialRequest, h transport.Handler) (transport.Channel, error) {
	m.mutex.RLock()
	provider, timeout := m.provider, m.options.ConnectTimeout
	m.mutex.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return provider.Dial(ctx, ct, req, h)
}

func (m *Management) listen(ct transport.ChannelType, req transport.ListenRequest, accept transport.AcceptFunc) (transport.Listener, error) {
	m.mutex.RLock()
	provider := m.provider
	m.mutex.RUnlock()

	return provider.Listen(ct, req, accept)
}

// SetServerAcceptor registers the ServerAcceptor for anonymous connections.
// A nil ServerAcceptor rejects all of them.
func (m *Management) SetServerAcceptor(acceptor ServerAcceptor) {
	m.acceptorMutex.Lock()
	defer m.acceptorMutex.Unlock()
	m.acceptor = acceptor
}

func (m *Management) ServerAcceptor() ServerAcceptor {
	m.acceptorMutex.RLock()
	defer m.acceptorMutex.RUnlock()
	return m.acceptor
}

// AddManagementEventListener registers l under key, replacing a previous one.
func (m *Management) AddManagementEventListener(key uuid.UUID, l ManagementEventListener) {
	m.listenersMutex.Lock()
	defer m.listenersMutex.Unlock()
	m.listeners[key] = l
}

// RegisterManagementEventListener registers l under a new key.
func (m *Management) RegisterManagementEventListener(l ManagementEventListener) uuid.UUID {
	key := uuid.New()
	m.AddManagementEventListener(key, l)
	return key
}

func (m *Management) RemoveManagementEventListener(key uuid.UUID) {
	m.listenersMutex.Lock()
	defer m.listenersMutex.Unlock()
	delete(m.listeners, key)
}

// Start the Management. Starting a started Management does nothing.
func (m *Management) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		log.WithFields(m.logFields()).Warn("Management is already started")
		return nil
	}

	log.WithFields(m.logFields()).Info("Management was started")
	m.fireServiceStarted()
	return nil
}

// Stop every Association and Server and wait a bounded time for the
// associations to go down. Stopping a stopped Management does nothing.
func (m *Management) Stop() error {
	if !m.started.Load() {
		return nil
	}

	log.WithFields(m.logFields()).Info("Management is stopping")
	m.fireServiceStopped()

	var errs error

	m.provisioning.Lock()
	associations := m.associations.values()
	for _, a := range associations {
		if !a.IsStarted() {
			continue
		}
		if err := a.stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	var g errgroup.Group
	for _, s := range m.servers.values() {
		s := s
		if !s.IsStarted() {
			continue
		}
		g.Go(s.stop)
	}
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}
	m.provisioning.Unlock()

	for i := 0; i < stopPollRetries && anyUp(associations); i++ {
		time.Sleep(stopPollInterval)
	}
	for _, a := range associations {
		if a.IsUp() {
			log.WithFields(a.logFields()).Warn("Association is still up after stopping the Management")
		}
	}

	m.started.Store(false)
	log.WithFields(m.logFields()).Info("Management was stopped")
	return errs
}

func anyUp(associations []*Association) bool {
	for _, a := range associations {
		if a.IsUp() {
			return true
		}
	}
	return false
}

// RemoveAllResources stops and removes every Association and then every Server.
func (m *Management) RemoveAllResources() error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	log.WithFields(m.logFields()).Info("Management removes all resources")

	var errs error

	m.provisioning.Lock()
	for _, a := range m.associations.values() {
		if a.IsStarted() {
			if err := a.stop(); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		m.removeAssociationLocked(a)
	}

	for _, s := range m.servers.values() {
		if err := s.stop(); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		m.servers.remove(s.name)
		m.fireServerRemoved(s)
	}
	m.provisioning.Unlock()

	m.fireRemoveAllResources()
	return errs
}

// Server returns the named Server.
func (m *Management) Server(name string) (*Server, error) {
	s, ok := m.servers.get(name)
	if !ok {
		return nil, notFoundErrorf("server=%s", name)
	}
	return s, nil
}

// Servers returns a snapshot of all Servers in insertion order.
func (m *Management) Servers() []*Server {
	return m.servers.values()
}

// Association returns the named Association. Anonymous associations are owned
// by their Server and cannot be found here.
func (m *Management) Association(name string) (*Association, error) {
	a, ok := m.associations.get(name)
	if !ok {
		return nil, notFoundErrorf("association=%s", name)
	}
	return a, nil
}

// Associations returns a snapshot of all Associations in insertion order.
func (m *Management) Associations() []*Association {
	return m.associations.values()
}

// AddServer creates a new, stopped Server.
func (m *Management) AddServer(cfg ServerConfig) (*Server, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	if err := m.validateServer(nil, cfg); err != nil {
		return nil, err
	}

	s := newServer(m, cfg)
	if !m.servers.add(s.name, s) {
		return nil, validationErrorf("server=%s already exists", cfg.Name)
	}

	log.WithFields(s.logFields()).WithField("server_config", s).Info("Server was added")
	m.fireServerAdded(s)
	return s, nil
}

// validateServer checks cfg for a new Server or, if self is not nil, for a
// modification of self.
func (m *Management) validateServer(self *Server, cfg ServerConfig) error {
	if cfg.Name == "" {
		return validationErrorf("server name must not be empty")
	}
	if self == nil {
		if _, exists := m.servers.get(cfg.Name); exists {
			return validationErrorf("server=%s already exists", cfg.Name)
		}
	}
	if cfg.HostAddress == "" {
		return validationErrorf("server=%s has no host address", cfg.Name)
	}
	if !validPort(cfg.HostPort) {
		return validationErrorf("server=%s has an invalid host port %d", cfg.Name, cfg.HostPort)
	}
	if !cfg.ChannelType.Valid() {
		return validationErrorf("server=%s has an unsupported channel type %v", cfg.Name, cfg.ChannelType)
	}
	if cfg.MaxConcurrentConnections < 0 {
		return validationErrorf("server=%s has a negative max concurrent connections count %d",
			cfg.Name, cfg.MaxConcurrentConnections)
	}

	for _, other := range m.servers.values() {
		if other == self {
			continue
		}
		if sameHost(other.HostAddress(), cfg.HostAddress) && other.HostPort() == cfg.HostPort {
			return validationErrorf("server=%s is already bound to %s:%d", other.name, cfg.HostAddress, cfg.HostPort)
		}
	}
	return nil
}

// RemoveServer removes a stopped Server without any associations.
func (m *Management) RemoveServer(name string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	s, err := m.Server(name)
	if err != nil {
		return err
	}
	if s.IsStarted() {
		return invalidStateErrorf("server=%s is started, stop before removing", name)
	}
	if names := s.Associations(); len(names) > 0 {
		return busyErrorf("server=%s has associations %v, remove them first", name, names)
	}
	if anonymous := s.AnonymousAssociations(); len(anonymous) > 0 {
		return busyErrorf("server=%s has %d anonymous associations", name, len(anonymous))
	}

	m.servers.remove(name)

	log.WithFields(s.logFields()).Info("Server was removed")
	m.fireServerRemoved(s)
	return nil
}

func (m *Management) StartServer(name string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	s, err := m.Server(name)
	if err != nil {
		return err
	}
	return s.start()
}

func (m *Management) StopServer(name string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	s, err := m.Server(name)
	if err != nil {
		return err
	}
	if !s.IsStarted() {
		return invalidStateErrorf("server=%s is already stopped", name)
	}
	return s.stop()
}

// AddAssociation creates a new, stopped client association.
func (m *Management) AddAssociation(cfg AssociationConfig) (*Association, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	if err := m.validateAssociation(nil, cfg); err != nil {
		return nil, err
	}

	a := newAssociation(m, cfg.Name, TypeClient, cfg.ChannelType)
	a.hostAddress = cfg.HostAddress
	a.hostPort = cfg.HostPort
	a.peerAddress = cfg.PeerAddress
	a.peerPort = cfg.PeerPort
	a.extraHostAddresses = append([]string(nil), cfg.ExtraHostAddresses...)

	if !m.associations.add(a.name, a) {
		return nil, validationErrorf("association=%s already exists", cfg.Name)
	}

	log.WithFields(a.logFields()).WithField("association_config", a).Info("Association was added")
	m.fireAssociationAdded(a)
	return a, nil
}

// validateAssociation checks cfg for a new client association or, if self is
// not nil, for a modification of self. Both the host and the peer endpoint
// must be unique among the client associations of the same channel type.
func (m *Management) validateAssociation(self *Association, cfg AssociationConfig) error {
	if cfg.Name == "" {
		return validationErrorf("association name must not be empty")
	}
	if self == nil {
		if _, exists := m.associations.get(cfg.Name); exists {
			return validationErrorf("association=%s already exists", cfg.Name)
		}
	}
	if cfg.HostAddress == "" {
		return validationErrorf("association=%s has no host address", cfg.Name)
	}
	if cfg.PeerAddress == "" {
		return validationErrorf("association=%s has no peer address", cfg.Name)
	}
	if !validPort(cfg.HostPort) {
		return validationErrorf("association=%s has an invalid host port %d", cfg.Name, cfg.HostPort)
	}
	if !validPort(cfg.PeerPort) {
		return validationErrorf("association=%s has an invalid peer port %d", cfg.Name, cfg.PeerPort)
	}
	if !cfg.ChannelType.Valid() {
		return validationErrorf("association=%s has an unsupported channel type %v", cfg.Name, cfg.ChannelType)
	}

	for _, other := range m.associations.values() {
		if other == self || other.kind != TypeClient || other.ChannelType() != cfg.ChannelType {
			continue
		}
		if sameHost(other.PeerAddress(), cfg.PeerAddress) && other.PeerPort() == cfg.PeerPort {
			return validationErrorf("association=%s already uses peer %s:%d", other.name, cfg.PeerAddress, cfg.PeerPort)
		}
		if sameHost(other.HostAddress(), cfg.HostAddress) && other.HostPort() == cfg.HostPort {
			return validationErrorf("association=%s already uses host %s:%d", other.name, cfg.HostAddress, cfg.HostPort)
		}
	}
	return nil
}

// AddServerAssociation creates a new, stopped server association for an
// existing Server of the same channel type.
func (m *Management) AddServerAssociation(cfg ServerAssociationConfig) (*Association, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	s, err := m.validateServerAssociation(nil, cfg)
	if err != nil {
		return nil, err
	}

	a := newAssociation(m, cfg.Name, TypeServer, cfg.ChannelType)
	a.peerAddress = cfg.PeerAddress
	a.peerPort = cfg.PeerPort
	a.serverName = s.name
	a.hostAddress = s.HostAddress()
	a.hostPort = s.HostPort()

	if !m.associations.add(a.name, a) {
		return nil, validationErrorf("association=%s already exists", cfg.Name)
	}
	s.addAssociation(a.name)

	log.WithFields(a.logFields()).WithField("association_config", a).Info("Association was added")
	m.fireAssociationAdded(a)
	return a, nil
}

// validateServerAssociation checks cfg for a new server association or, if
// self is not nil, for a modification of self. The peer endpoint must be
// unique within its Server.
func (m *Management) validateServerAssociation(self *Association, cfg ServerAssociationConfig) (*Server, error) {
	if cfg.Name == "" {
		return nil, validationErrorf("association name must not be empty")
	}
	if self == nil {
		if _, exists := m.associations.get(cfg.Name); exists {
			return nil, validationErrorf("association=%s already exists", cfg.Name)
		}
	}
	if cfg.PeerAddress == "" {
		return nil, validationErrorf("association=%s has no peer address", cfg.Name)
	}
	if cfg.PeerPort != 0 && !validPort(cfg.PeerPort) {
		return nil, validationErrorf("association=%s has an invalid peer port %d", cfg.Name, cfg.PeerPort)
	}

	s, err := m.Server(cfg.ServerName)
	if err != nil {
		return nil, err
	}
	if s.ChannelType() != cfg.ChannelType {
		return nil, validationErrorf("association=%s uses %v, but server=%s uses %v",
			cfg.Name, cfg.ChannelType, s.name, s.ChannelType())
	}

	for _, name := range s.Associations() {
		other, ok := m.associations.get(name)
		if !ok || other == self {
			continue
		}
		if sameHost(other.PeerAddress(), cfg.PeerAddress) && other.PeerPort() == cfg.PeerPort {
			return nil, validationErrorf("association=%s of server=%s already uses peer %s:%d",
				other.name, s.name, cfg.PeerAddress, cfg.PeerPort)
		}
	}
	return s, nil
}

// RemoveAssociation removes a stopped Association.
func (m *Management) RemoveAssociation(name string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	a, err := m.Association(name)
	if err != nil {
		return err
	}
	if a.IsStarted() {
		return invalidStateErrorf("association=%s is started, stop before removing", name)
	}

	m.removeAssociationLocked(a)
	return nil
}

func (m *Management) removeAssociationLocked(a *Association) {
	m.associations.remove(a.name)
	a.reconnect.cancel()

	if a.kind == TypeServer {
		if s, ok := m.servers.get(a.ServerName()); ok {
			s.removeAssociation(a.name)
		}
	}

	log.WithFields(a.logFields()).Info("Association was removed")
	m.fireAssociationRemoved(a)
}

func (m *Management) StartAssociation(name string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	a, err := m.Association(name)
	if err != nil {
		return err
	}
	return a.start()
}

func (m *Management) StopAssociation(name string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}

	m.provisioning.Lock()
	defer m.provisioning.Unlock()

	a, err := m.Association(name)
	if err != nil {
		return err
	}
	return a.stop()
}

func (m *Management) snapshotListeners() []ManagementEventListener {
	m.listenersMutex.RLock()
	defer m.listenersMutex.RUnlock()

	ls := make([]ManagementEventListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	return ls
}

// fire calls f for every ManagementEventListener, isolating their panics.
func (m *Management) fire(event string, fields log.Fields, f func(l ManagementEventListener)) {
	for _, l := range m.snapshotListeners() {
		l := l
		isolate(event, fields, func() { f(l) })
	}
}

func (m *Management) fireServiceStarted() {
	m.fire("OnServiceStarted", m.logFields(), func(l ManagementEventListener) { l.OnServiceStarted() })
}

func (m *Management) fireServiceStopped() {
	m.fire("OnServiceStopped", m.logFields(), func(l ManagementEventListener) { l.OnServiceStopped() })
}

func (m *Management) fireRemoveAllResources() {
	m.fire("OnRemoveAllResources", m.logFields(), func(l ManagementEventListener) { l.OnRemoveAllResources() })
}

func (m *Management) fireServerAdded(s *Server) {
	m.fire("OnServerAdded", s.logFields(), func(l ManagementEventListener) { l.OnServerAdded(s) })
}

func (m *Management) fireServerRemoved(s *Server) {
	m.fire("OnServerRemoved", s.logFields(), func(l ManagementEventListener) { l.OnServerRemoved(s) })
}

func (m *Management) fireServerStarted(s *Server) {
	m.fire("OnServerStarted", s.logFields(), func(l ManagementEventListener) { l.OnServerStarted(s) })
}

func (m *Management) fireServerStopped(s *Server) {
	m.fire("OnServerStopped", s.logFields(), func(l ManagementEventListener) { l.OnServerStopped(s) })
}

func (m *Management) fireServerModified(s *Server) {
	m.fire("OnServerModified", s.logFields(), func(l ManagementEventListener) { l.OnServerModified(s) })
}

func (m *Management) fireAssociationAdded(a *Association) {
	m.fire("OnAssociationAdded", a.logFields(), func(l ManagementEventListener) { l.OnAssociationAdded(a) })
}

func (m *Management) fireAssociationRemoved(a *Association) {
	m.fire("OnAssociationRemoved", a.logFields(), func(l ManagementEventListener) { l.OnAssociationRemoved(a) })
}

func (m *Management) fireAssociationStarted(a *Association) {
	m.fire("OnAssociationStarted", a.logFields(), func(l ManagementEventListener) { l.OnAssociationStarted(a) })
}

func (m *Management) fireAssociationStopped(a *Association) {
	m.fire("OnAssociationStopped", a.logFields(), func(l ManagementEventListener) { l.OnAssociationStopped(a) })
}

func (m *Management) fireAssociationUp(a *Association) {
	m.fire("OnAssociationUp", a.logFields(), func(l ManagementEventListener) { l.OnAssociationUp(a) })
}

func (m *Management) fireAssociationDown(a *Association) {
	m.fire("OnAssociationDown", a.logFields(), func(l ManagementEventListener) { l.OnAssociationDown(a) })
}

func (m *Management) fireAssociationModified(a *Association) {
	m.fire("OnAssociationModified", a.logFields(), func(l ManagementEventListener) { l.OnAssociationModified(a) })
}
