// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// Association is a logical, named, long-lived relationship with one peer. It
// outlives any number of transport connections; at most one Channel is bound
// to it at a time.
//
// An Association is administratively started or stopped and, independently,
// up or down depending on its Channel. It is connected while being both
// started and up.
type Association struct {
	mgmt *Management
	name string
	kind AssociationType

	// server owns anonymous associations and is nil otherwise.
	server *Server

	// mutex protects the addressing, which might be modified by the Management.
	mutex              sync.RWMutex
	channelType        transport.ChannelType
	hostAddress        string
	hostPort           int
	peerAddress        string
	peerPort           int
	serverName         string
	extraHostAddresses []string

	started    atomic.Bool
	up         atomic.Bool
	connecting atomic.Bool

	// reserved marks an anonymous association holding one of its server's
	// connection slots without being up yet.
	reserved atomic.Bool

	listenerMutex sync.RWMutex
	listener      AssociationListener

	channelMutex sync.Mutex
	channel      transport.Channel
	maxInbound   int
	maxOutbound  int

	reconnect reconnector
	handler   channelHandler

	packetsSent            atomic.Int64
	bytesSent              atomic.Int64
	packetsReceived        atomic.Int64
	bytesReceived          atomic.Int64
	communicationsUp       atomic.Int64
	communicationsDown     atomic.Int64
	communicationsLost     atomic.Int64
	communicationsRestarts atomic.Int64
}

func newAssociation(mgmt *Management, name string, kind AssociationType, ct transport.ChannelType) *Association {
	a := &Association{
		mgmt:        mgmt,
		name:        name,
		kind:        kind,
		channelType: ct,
	}
	a.reconnect.connect = a.connect
	a.handler.a = a
	return a
}

// Name is the association's unique name.
func (a *Association) Name() string {
	return a.name
}

// Type is the association's kind.
func (a *Association) Type() AssociationType {
	return a.kind
}

func (a *Association) ChannelType() transport.ChannelType {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.channelType
}

func (a *Association) HostAddress() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.hostAddress
}

func (a *Association) HostPort() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.hostPort
}

func (a *Association) PeerAddress() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.peerAddress
}

func (a *Association) PeerPort() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.peerPort
}

// ServerName is the name of the Server of a server or anonymous association.
func (a *Association) ServerName() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.serverName
}

func (a *Association) ExtraHostAddresses() []string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return append([]string(nil), a.extraHostAddresses...)
}

// IsStarted reports the administrative state.
func (a *Association) IsStarted() bool {
	return a.started.Load()
}

// IsUp reports if a Channel is established.
func (a *Association) IsUp() bool {
	return a.up.Load()
}

// IsConnected is true if the Association is both started and up.
func (a *Association) IsConnected() bool {
	return a.started.Load() && a.up.Load()
}

// Listener returns the current AssociationListener, which might be nil.
func (a *Association) Listener() AssociationListener {
	a.listenerMutex.RLock()
	defer a.listenerMutex.RUnlock()
	return a.listener
}

// SetListener replaces the AssociationListener. This is only possible while
// the Association is stopped.
func (a *Association) SetListener(l AssociationListener) error {
	if a.started.Load() {
		return invalidStateErrorf("association=%s is started, stop before replacing its listener", a.name)
	}

	a.listenerMutex.Lock()
	defer a.listenerMutex.Unlock()
	a.listener = l
	return nil
}

// Counters returns a snapshot of the association's counters.
func (a *Association) Counters() Counters {
	return Counters{
		PacketsSent:            a.packetsSent.Load(),
		BytesSent:              a.bytesSent.Load(),
		PacketsReceived:        a.packetsReceived.Load(),
		BytesReceived:          a.bytesReceived.Load(),
		CommunicationsUp:       a.communicationsUp.Load(),
		CommunicationsDown:     a.communicationsDown.Load(),
		CommunicationsLost:     a.communicationsLost.Load(),
		CommunicationsRestarts: a.communicationsRestarts.Load(),
	}
}

// Info returns a snapshot of the Association.
func (a *Association) Info() AssociationInfo {
	a.mutex.RLock()
	info := AssociationInfo{
		Name:               a.name,
		Type:               a.kind,
		ChannelType:        a.channelType,
		HostAddress:        a.hostAddress,
		HostPort:           a.hostPort,
		PeerAddress:        a.peerAddress,
		PeerPort:           a.peerPort,
		ServerName:         a.serverName,
		ExtraHostAddresses: append([]string(nil), a.extraHostAddresses...),
	}
	a.mutex.RUnlock()

	info.Started = a.IsStarted()
	info.Up = a.IsUp()
	info.Connected = info.Started && info.Up
	info.Counters = a.Counters()
	return info
}

func (a *Association) String() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	switch a.kind {
	case TypeClient:
		return fmt.Sprintf("Association(name=%s, type=%v, channel=%v, host=%s:%d, peer=%s:%d, started=%t, up=%t)",
			a.name, a.kind, a.channelType, a.hostAddress, a.hostPort, a.peerAddress, a.peerPort,
			a.started.Load(), a.up.Load())
	default:
		return fmt.Sprintf("Association(name=%s, type=%v, channel=%v, server=%s, peer=%s:%d, started=%t, up=%t)",
			a.name, a.kind, a.channelType, a.serverName, a.peerAddress, a.peerPort,
			a.started.Load(), a.up.Load())
	}
}

func (a *Association) logFields() log.Fields {
	return log.Fields{
		"association": a.name,
		"type":        a.kind,
	}
}

// start the Association administratively. A client association arms its
// reconnect timer unless a Channel is already bound.
func (a *Association) start() error {
	if a.Listener() == nil {
		return invalidStateErrorf("association=%s has no listener", a.name)
	}
	if !a.started.CompareAndSwap(false, true) {
		return invalidStateErrorf("association=%s is already started", a.name)
	}

	log.WithFields(a.logFields()).Info("Association was started")
	a.mgmt.fireAssociationStarted(a)

	if a.kind == TypeClient && a.boundChannel() == nil {
		a.reconnect.schedule(a.mgmt.ConnectDelay())
	}
	return nil
}

// stop the Association administratively, cancel any reconnect and close the
// bound Channel. The Channel's end marks the Association down.
func (a *Association) stop() error {
	if !a.started.CompareAndSwap(true, false) {
		return invalidStateErrorf("association=%s is already stopped", a.name)
	}

	a.reconnect.cancel()

	log.WithFields(a.logFields()).Info("Association was stopped")
	a.mgmt.fireAssociationStopped(a)

	if ch := a.boundChannel(); ch != nil {
		_ = ch.Close()
	}
	return nil
}

// connect dials the peer of a client association. Failures re-arm the
// reconnect timer.
func (a *Association) connect() {
	if !a.started.Load() || a.up.Load() || a.boundChannel() != nil {
		return
	}
	if !a.connecting.CompareAndSwap(false, true) {
		return
	}
	defer a.connecting.Store(false)

	a.mutex.RLock()
	ct := a.channelType
	req := transport.DialRequest{
		LocalAddress:        a.hostAddress,
		LocalPort:           a.hostPort,
		ExtraLocalAddresses: append([]string(nil), a.extraHostAddresses...),
		RemoteAddress:       a.peerAddress,
		RemotePort:          a.peerPort,
	}
	a.mutex.RUnlock()

	log.WithFields(a.logFields()).WithField("request", req).Debug("Association connects to its peer")

	ch, err := a.mgmt.dial(ct, req, &a.handler)
	if err != nil {
		log.WithFields(a.logFields()).WithFields(log.Fields{
			"request": req,
			"error":   err,
		}).Warn("Association failed to connect")

		if a.started.Load() {
			a.reconnect.schedule(a.mgmt.ConnectDelay())
		}
		return
	}

	log.WithFields(a.logFields()).WithField("channel", ch).Debug("Association's channel was established")
}

// boundChannel returns the current Channel or nil.
func (a *Association) boundChannel() transport.Channel {
	a.channelMutex.Lock()
	defer a.channelMutex.Unlock()
	return a.channel
}

func (a *Association) isBound(ch transport.Channel) bool {
	a.channelMutex.Lock()
	defer a.channelMutex.Unlock()
	return a.channel == ch
}

// bindChannel binds ch if no other Channel is bound.
func (a *Association) bindChannel(ch transport.Channel) bool {
	a.channelMutex.Lock()
	defer a.channelMutex.Unlock()

	if a.channel != nil && a.channel != ch {
		return false
	}
	a.channel = ch
	return true
}

// unbindChannel releases ch if it is the bound Channel.
func (a *Association) unbindChannel(ch transport.Channel) bool {
	a.channelMutex.Lock()
	defer a.channelMutex.Unlock()

	if a.channel != ch {
		return false
	}
	a.channel = nil
	a.maxInbound, a.maxOutbound = 0, 0
	return true
}

// notify the AssociationListener, isolating its panics.
func (a *Association) notify(event string, f func(l AssociationListener)) {
	l := a.Listener()
	if l == nil {
		return
	}
	isolate(event, a.logFields(), func() { f(l) })
}

// markUp transitions to up, only while started.
func (a *Association) markUp(maxInbound, maxOutbound int) {
	if !a.started.Load() {
		return
	}
	if !a.up.CompareAndSwap(false, true) {
		return
	}

	a.channelMutex.Lock()
	a.maxInbound, a.maxOutbound = maxInbound, maxOutbound
	a.channelMutex.Unlock()

	a.reconnect.cancel()

	if a.kind == TypeAnonymousServer && a.server != nil {
		a.server.addAnonymous(a)
	}

	a.communicationsUp.Add(1)

	log.WithFields(a.logFields()).WithFields(log.Fields{
		"max_inbound":  maxInbound,
		"max_outbound": maxOutbound,
	}).Info("Association is up")

	a.notify("OnCommunicationUp", func(l AssociationListener) {
		l.OnCommunicationUp(a, maxInbound, maxOutbound)
	})
	a.mgmt.fireAssociationUp(a)
}

// markDown transitions to down, only if up.
func (a *Association) markDown() {
	if !a.up.CompareAndSwap(true, false) {
		return
	}

	log.WithFields(a.logFields()).Info("Association is down")

	a.mgmt.fireAssociationDown(a)
	a.communicationsDown.Add(1)
	a.notify("OnCommunicationShutdown", func(l AssociationListener) {
		l.OnCommunicationShutdown(a)
	})

	if a.kind == TypeAnonymousServer && a.server != nil {
		a.server.removeAnonymous(a)
	}
}

func (a *Association) markCommunicationLost(ch transport.Channel) {
	a.communicationsLost.Add(1)

	log.WithFields(a.logFields()).Warn("Association lost its communication")

	a.notify("OnCommunicationLost", func(l AssociationListener) {
		l.OnCommunicationLost(a)
	})
	_ = ch.Close()
}

func (a *Association) markCommunicationRestart() {
	a.communicationsRestarts.Add(1)

	log.WithFields(a.logFields()).Info("Association's communication restarted")

	a.notify("OnCommunicationRestart", func(l AssociationListener) {
		l.OnCommunicationRestart(a)
	})
}

// read delivers a received payload to the listener.
func (a *Association) read(payload PayloadData) {
	a.packetsReceived.Add(1)
	a.bytesReceived.Add(int64(len(payload.Data)))

	a.notify("OnPayload", func(l AssociationListener) {
		l.OnPayload(a, payload)
	})
}

// Send transmits a payload over the bound Channel. Counters reflect attempted
// sends.
func (a *Association) Send(payload PayloadData) error {
	if !a.started.Load() {
		return fmt.Errorf("%w: association=%s is not started", ErrNotConnected, a.name)
	}

	a.channelMutex.Lock()
	ch, maxOutbound := a.channel, a.maxOutbound
	a.channelMutex.Unlock()

	if ch == nil {
		return fmt.Errorf("%w: association=%s has no established channel", ErrNotConnected, a.name)
	}

	if ch.Type() == transport.SCTP &&
		(payload.StreamNumber < 0 || (maxOutbound > 0 && payload.StreamNumber >= maxOutbound)) {
		log.WithFields(a.logFields()).WithFields(log.Fields{
			"stream":       payload.StreamNumber,
			"max_outbound": maxOutbound,
		}).Error("Association dropped payload for an invalid stream")

		a.notify("OnInvalidStreamID", func(l AssociationListener) {
			l.OnInvalidStreamID(a, payload)
		})
		return fmt.Errorf("%w: stream=%d of association=%s", ErrInvalidStreamID, payload.StreamNumber, a.name)
	}

	a.packetsSent.Add(1)
	a.bytesSent.Add(int64(len(payload.Data)))

	return ch.Send(transport.Message{
		Data:       payload.Data,
		StreamID:   uint16(payload.StreamNumber),
		ProtocolID: payload.PayloadProtocolID,
		Unordered:  payload.Unordered,
		Complete:   true,
	})
}

// AcceptAnonymous accepts an anonymous association with the given listener.
// It must be called from a ServerAcceptor.
func (a *Association) AcceptAnonymous(l AssociationListener) error {
	if a.kind != TypeAnonymousServer {
		return fmt.Errorf("%w: association=%s of type %v cannot be accepted", ErrUnsupportedOperation, a.name, a.kind)
	}
	if l == nil {
		return validationErrorf("listener must not be nil")
	}
	if a.started.Load() {
		return invalidStateErrorf("association=%s was already accepted", a.name)
	}

	a.listenerMutex.Lock()
	a.listener = l
	a.listenerMutex.Unlock()

	return a.start()
}

// RejectAnonymous does nothing; a connection not accepted is closed.
func (a *Association) RejectAnonymous() {}

// StopAnonymous stops an anonymous association and closes its Channel.
func (a *Association) StopAnonymous() error {
	if a.kind != TypeAnonymousServer {
		return fmt.Errorf("%w: association=%s of type %v is no anonymous association", ErrUnsupportedOperation, a.name, a.kind)
	}
	if !a.started.Load() {
		return nil
	}
	return a.stop()
}

// releaseReservation frees an anonymous slot which never became live.
func (a *Association) releaseReservation() {
	if a.server != nil {
		a.server.releaseAnonymousSlot(a)
	}
}

// channelHandler receives the events of the association's Channels.
type channelHandler struct {
	a *Association
}

func (h *channelHandler) OnActive(ch transport.Channel) {
	a := h.a

	if !a.bindChannel(ch) {
		log.WithFields(a.logFields()).WithField("channel", ch).Warn("Association refused a second channel")
		_ = ch.Close()
		return
	}

	if !a.started.Load() {
		_ = ch.Close()
		return
	}

	if ch.Type() == transport.TCP {
		a.markUp(1, 1)
	}
}

func (h *channelHandler) OnAssociationUp(ch transport.Channel, maxInboundStreams, maxOutboundStreams int) {
	if h.a.isBound(ch) {
		h.a.markUp(maxInboundStreams, maxOutboundStreams)
	}
}

func (h *channelHandler) OnRead(ch transport.Channel, msg transport.Message) {
	if !h.a.isBound(ch) {
		return
	}

	h.a.read(PayloadData{
		Data:              msg.Data,
		Complete:          msg.Complete,
		Unordered:         msg.Unordered,
		PayloadProtocolID: msg.ProtocolID,
		StreamNumber:      int(msg.StreamID),
	})
}

func (h *channelHandler) OnCommunicationLost(ch transport.Channel) {
	if h.a.isBound(ch) {
		h.a.markCommunicationLost(ch)
	}
}

func (h *channelHandler) OnCommunicationRestart(ch transport.Channel) {
	if h.a.isBound(ch) {
		h.a.markCommunicationRestart()
	}
}

func (h *channelHandler) OnInactive(ch transport.Channel) {
	a := h.a

	if !a.unbindChannel(ch) {
		return
	}

	a.markDown()
	a.releaseReservation()

	if a.kind == TypeClient && a.started.Load() {
		a.reconnect.schedule(a.mgmt.ConnectDelay())
	}
}
