// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtn7/assoc-go/pkg/transport"
)

const (
	mockMaxInbound  = 10
	mockMaxOutbound = 8
)

var errMockDial = errors.New("mock dial failure")

// mockChannel is a transport.Channel whose events are driven by the test.
// Closing it reports OnInactive synchronously.
type mockChannel struct {
	ct      transport.ChannelType
	local   net.Addr
	remote  net.Addr
	handler transport.Handler

	mutex   sync.Mutex
	sent    []transport.Message
	sendErr error

	closeOnce sync.Once
	done      chan struct{}
}

func newMockChannel(ct transport.ChannelType, local, remote net.Addr, h transport.Handler) *mockChannel {
	return &mockChannel{
		ct:      ct,
		local:   local,
		remote:  remote,
		handler: h,
		done:    make(chan struct{}),
	}
}

func mockAddr(host string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(host), Port: port}
}

// establish reports the Channel as active and, for SCTP, as up.
func (ch *mockChannel) establish() {
	ch.handler.OnActive(ch)
	if ch.ct == transport.SCTP {
		ch.handler.OnAssociationUp(ch, mockMaxInbound, mockMaxOutbound)
	}
}

// receive delivers a message from the peer.
func (ch *mockChannel) receive(msg transport.Message) {
	ch.handler.OnRead(ch, msg)
}

func (ch *mockChannel) Type() transport.ChannelType {
	return ch.ct
}

func (ch *mockChannel) Send(msg transport.Message) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.isClosed() {
		return transport.ErrChannelClosed
	}
	if ch.sendErr != nil {
		return ch.sendErr
	}
	ch.sent = append(ch.sent, msg)
	return nil
}

func (ch *mockChannel) messages() []transport.Message {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return append([]transport.Message(nil), ch.sent...)
}

func (ch *mockChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)
		if ch.handler != nil {
			ch.handler.OnInactive(ch)
		}
	})
	return nil
}

func (ch *mockChannel) isClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

func (ch *mockChannel) Done() <-chan struct{} {
	return ch.done
}

func (ch *mockChannel) LocalAddr() net.Addr {
	return ch.local
}

func (ch *mockChannel) RemoteAddr() net.Addr {
	return ch.remote
}

func (ch *mockChannel) String() string {
	return fmt.Sprintf("mockChannel(%v, %v -> %v)", ch.ct, ch.local, ch.remote)
}

// mockListener hands inbound mock Channels to the admission of a Server.
type mockListener struct {
	provider *mockProvider
	req      transport.ListenRequest
	accept   transport.AcceptFunc
	ct       transport.ChannelType

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *mockListener) Addr() net.Addr {
	return mockAddr(l.req.Address, l.req.Port)
}

func (l *mockListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.provider.removeListener(l)
	})
	return nil
}

// connect simulates an inbound connection of a peer. It returns the Channel,
// which is already closed if it was rejected.
func (l *mockListener) connect(peerHost string, peerPort int) (ch *mockChannel, accepted bool) {
	ch = newMockChannel(l.ct, l.Addr(), mockAddr(peerHost, peerPort), nil)

	h := l.accept(ch)
	if h == nil {
		_ = ch.Close()
		return ch, false
	}

	ch.handler = h
	ch.establish()
	return ch, !ch.isClosed()
}

// mockProvider is a transport.Provider without any sockets.
type mockProvider struct {
	mutex     sync.Mutex
	dials     []transport.DialRequest
	dialErr   error
	channels  []*mockChannel
	listeners map[string]*mockListener
	listenErr error

	// establish dialed Channels immediately.
	establish bool

	dialed chan *mockChannel
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		listeners: make(map[string]*mockListener),
		establish: true,
		dialed:    make(chan *mockChannel, 64),
	}
}

func listenKey(ct transport.ChannelType, port int) string {
	return ct.String() + "/" + strconv.Itoa(port)
}

func (p *mockProvider) Dial(_ context.Context, ct transport.ChannelType, req transport.DialRequest, h transport.Handler) (transport.Channel, error) {
	p.mutex.Lock()
	p.dials = append(p.dials, req)
	err := p.dialErr
	establish := p.establish
	p.mutex.Unlock()

	if err != nil {
		return nil, err
	}

	ch := newMockChannel(ct, mockAddr(req.LocalAddress, req.LocalPort), mockAddr(req.RemoteAddress, req.RemotePort), h)

	p.mutex.Lock()
	p.channels = append(p.channels, ch)
	p.mutex.Unlock()

	if establish {
		ch.establish()
	}

	select {
	case p.dialed <- ch:
	default:
	}
	return ch, nil
}

func (p *mockProvider) Listen(ct transport.ChannelType, req transport.ListenRequest, accept transport.AcceptFunc) (transport.Listener, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.listenErr != nil {
		return nil, p.listenErr
	}

	key := listenKey(ct, req.Port)
	if _, exists := p.listeners[key]; exists {
		return nil, fmt.Errorf("port %d is already in use", req.Port)
	}

	l := &mockListener{
		provider: p,
		req:      req,
		accept:   accept,
		ct:       ct,
		closed:   make(chan struct{}),
	}
	p.listeners[key] = l
	return l, nil
}

func (p *mockProvider) removeListener(l *mockListener) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.listeners, listenKey(l.ct, l.req.Port))
}

func (p *mockProvider) listener(ct transport.ChannelType, port int) *mockListener {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.listeners[listenKey(ct, port)]
}

func (p *mockProvider) setDialErr(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.dialErr = err
}

func (p *mockProvider) dialCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.dials)
}

func (p *mockProvider) lastDial() transport.DialRequest {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.dials[len(p.dials)-1]
}

// awaitDial returns the next dialed Channel.
func (p *mockProvider) awaitDial(t *testing.T) *mockChannel {
	t.Helper()

	select {
	case ch := <-p.dialed:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("no channel was dialed")
		return nil
	}
}

// recListener records the events of an AssociationListener.
type recListener struct {
	mutex    sync.Mutex
	ups      int
	downs    int
	lost     int
	restarts int
	payloads []PayloadData
	invalid  []PayloadData
	maxIn    int
	maxOut   int

	panicOnPayload bool

	upCh      chan struct{}
	downCh    chan struct{}
	payloadCh chan PayloadData
}

func newRecListener() *recListener {
	return &recListener{
		upCh:      make(chan struct{}, 64),
		downCh:    make(chan struct{}, 64),
		payloadCh: make(chan PayloadData, 64),
	}
}

func (l *recListener) OnCommunicationUp(_ *Association, maxIn, maxOut int) {
	l.mutex.Lock()
	l.ups++
	l.maxIn, l.maxOut = maxIn, maxOut
	l.mutex.Unlock()

	l.upCh <- struct{}{}
}

func (l *recListener) OnCommunicationShutdown(*Association) {
	l.mutex.Lock()
	l.downs++
	l.mutex.Unlock()

	l.downCh <- struct{}{}
}

func (l *recListener) OnCommunicationLost(*Association) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lost++
}

func (l *recListener) OnCommunicationRestart(*Association) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.restarts++
}

func (l *recListener) OnPayload(_ *Association, payload PayloadData) {
	l.mutex.Lock()
	l.payloads = append(l.payloads, payload)
	doPanic := l.panicOnPayload
	l.mutex.Unlock()

	l.payloadCh <- payload

	if doPanic {
		panic("payload listener failed")
	}
}

func (l *recListener) OnInvalidStreamID(_ *Association, payload PayloadData) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.invalid = append(l.invalid, payload)
}

func (l *recListener) counts() (ups, downs, lost, restarts int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.ups, l.downs, l.lost, l.restarts
}

func awaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout while waiting for %s", what)
	}
}

// recEvents records the ManagementEventListener events as "event:name".
type recEvents struct {
	mutex  sync.Mutex
	events []string
}

func (r *recEvents) add(event, name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if name != "" {
		event += ":" + name
	}
	r.events = append(r.events, event)
}

func (r *recEvents) all() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recEvents) OnServiceStarted()                    { r.add("ServiceStarted", "") }
func (r *recEvents) OnServiceStopped()                    { r.add("ServiceStopped", "") }
func (r *recEvents) OnRemoveAllResources()                { r.add("RemoveAllResources", "") }
func (r *recEvents) OnServerAdded(s *Server)              { r.add("ServerAdded", s.Name()) }
func (r *recEvents) OnServerRemoved(s *Server)            { r.add("ServerRemoved", s.Name()) }
func (r *recEvents) OnServerStarted(s *Server)            { r.add("ServerStarted", s.Name()) }
func (r *recEvents) OnServerStopped(s *Server)            { r.add("ServerStopped", s.Name()) }
func (r *recEvents) OnServerModified(s *Server)           { r.add("ServerModified", s.Name()) }
func (r *recEvents) OnAssociationAdded(a *Association)    { r.add("AssociationAdded", a.Name()) }
func (r *recEvents) OnAssociationRemoved(a *Association)  { r.add("AssociationRemoved", a.Name()) }
func (r *recEvents) OnAssociationStarted(a *Association)  { r.add("AssociationStarted", a.Name()) }
func (r *recEvents) OnAssociationStopped(a *Association)  { r.add("AssociationStopped", a.Name()) }
func (r *recEvents) OnAssociationUp(a *Association)       { r.add("AssociationUp", a.Name()) }
func (r *recEvents) OnAssociationDown(a *Association)     { r.add("AssociationDown", a.Name()) }
func (r *recEvents) OnAssociationModified(a *Association) { r.add("AssociationModified", a.Name()) }

// newTestManagement creates a started Management on top of a mockProvider.
func newTestManagement(t *testing.T) (*Management, *mockProvider) {
	t.Helper()

	provider := newMockProvider()
	m, err := NewManagement("test", Config{
		ConnectDelay: 10 * time.Millisecond,
		Provider:     provider,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())

	t.Cleanup(func() { _ = m.Stop() })
	return m, provider
}

func clientConfig(name string, hostPort, peerPort int) AssociationConfig {
	return AssociationConfig{
		Name:        name,
		HostAddress: "127.0.0.1",
		HostPort:    hostPort,
		PeerAddress: "127.0.0.2",
		PeerPort:    peerPort,
		ChannelType: transport.SCTP,
	}
}

func serverConfig(name string, port int) ServerConfig {
	return ServerConfig{
		Name:        name,
		HostAddress: "127.0.0.1",
		HostPort:    port,
		ChannelType: transport.SCTP,
	}
}
