// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sctp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/assoc-go/pkg/transport"
)

func getRandomPort(t *testing.T) int {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

type recHandler struct {
	mutex    sync.Mutex
	active   int
	up       int
	lost     int
	inactive int
	msgs     []transport.Message
	maxOut   int
}

func (h *recHandler) OnActive(transport.Channel) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.active++
}

func (h *recHandler) OnAssociationUp(_ transport.Channel, _, maxOut int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.up++
	h.maxOut = maxOut
}

func (h *recHandler) OnRead(_ transport.Channel, msg transport.Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recHandler) OnCommunicationLost(transport.Channel) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.lost++
}

func (h *recHandler) OnCommunicationRestart(transport.Channel) {}

func (h *recHandler) OnInactive(transport.Channel) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.inactive++
}

func (h *recHandler) snapshot() (active, up, inactive int, msgs []transport.Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.active, h.up, h.inactive, append([]transport.Message(nil), h.msgs...)
}

func TestIsInit(t *testing.T) {
	pkt := make([]byte, 16)
	assert.False(t, isInit(pkt))

	pkt[commonHeaderLen] = chunkTypeInit
	assert.True(t, isInit(pkt))
	assert.False(t, isInit(pkt[:commonHeaderLen]))
}

func TestSCTPServerClient(t *testing.T) {
	tr := New(transport.DefaultOptions())
	serverPort := getRandomPort(t)

	serverHandler := &recHandler{}
	ln, err := tr.Listen(transport.ListenRequest{Address: "127.0.0.1", Port: serverPort},
		func(transport.Channel) transport.Handler { return serverHandler })
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientHandler := &recHandler{}
	ch, err := tr.Dial(ctx, transport.DialRequest{
		LocalAddress:  "127.0.0.1",
		LocalPort:     getRandomPort(t),
		RemoteAddress: "127.0.0.1",
		RemotePort:    serverPort,
	}, clientHandler)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, up, _, _ := clientHandler.snapshot()
		return up == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Send(transport.Message{Data: []byte("hello"), StreamID: 0, ProtocolID: 3}))
	require.NoError(t, ch.Send(transport.Message{Data: []byte("world"), StreamID: 5, ProtocolID: 46, Unordered: true}))

	require.Eventually(t, func() bool {
		_, _, _, msgs := serverHandler.snapshot()
		return len(msgs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, up, _, msgs := serverHandler.snapshot()
	assert.Equal(t, 1, up)

	byStream := map[uint16]transport.Message{}
	for _, msg := range msgs {
		byStream[msg.StreamID] = msg
	}
	assert.Equal(t, []byte("hello"), byStream[0].Data)
	assert.Equal(t, uint32(3), byStream[0].ProtocolID)
	assert.Equal(t, []byte("world"), byStream[5].Data)
	assert.Equal(t, uint32(46), byStream[5].ProtocolID)

	err = ch.Send(transport.Message{Data: []byte("x"), StreamID: uint16(transport.DefaultOptions().InitMaxOutStreams)})
	assert.ErrorIs(t, err, transport.ErrInvalidStreamID)

	require.NoError(t, ch.Close())
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client channel did not terminate")
	}

	// The graceful shutdown is observed by the server, but not as a loss.
	require.Eventually(t, func() bool {
		_, _, inactive, _ := serverHandler.snapshot()
		return inactive == 1
	}, 3*time.Second, 10*time.Millisecond)

	serverHandler.mutex.Lock()
	assert.Equal(t, 0, serverHandler.lost)
	serverHandler.mutex.Unlock()

	assert.ErrorIs(t, ch.Send(transport.Message{Data: []byte("late")}), transport.ErrChannelClosed)
}

func TestSCTPDialTimeout(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.ConnectTimeout = 200 * time.Millisecond
	tr := New(opts)

	// Nobody answers on this port.
	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	_, err := tr.Dial(ctx, transport.DialRequest{
		LocalAddress:  "127.0.0.1",
		RemoteAddress: "127.0.0.1",
		RemotePort:    getRandomPort(t),
	}, &recHandler{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSCTPListenerRejects(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.ConnectTimeout = 300 * time.Millisecond
	tr := New(opts)
	serverPort := getRandomPort(t)

	// Every retransmitted INIT is offered again.
	offered := make(chan struct{}, 64)
	ln, err := tr.Listen(transport.ListenRequest{Address: "127.0.0.1", Port: serverPort},
		func(transport.Channel) transport.Handler {
			select {
			case offered <- struct{}{}:
			default:
			}
			return nil
		})
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	_, err = tr.Dial(ctx, transport.DialRequest{
		LocalAddress:  "127.0.0.1",
		RemoteAddress: "127.0.0.1",
		RemotePort:    serverPort,
	}, &recHandler{})
	assert.Error(t, err)

	select {
	case <-offered:
	case <-time.After(time.Second):
		t.Fatal("inbound association was never offered")
	}
}

func TestSCTPListenerCloseReleasesPort(t *testing.T) {
	tr := New(transport.DefaultOptions())
	serverPort := getRandomPort(t)
	req := transport.ListenRequest{Address: "127.0.0.1", Port: serverPort}

	serverHandler := &recHandler{}
	ln, err := tr.Listen(req, func(transport.Channel) transport.Handler { return serverHandler })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientHandler := &recHandler{}
	ch, err := tr.Dial(ctx, transport.DialRequest{
		LocalAddress:  "127.0.0.1",
		LocalPort:     getRandomPort(t),
		RemoteAddress: "127.0.0.1",
		RemotePort:    serverPort,
	}, clientHandler)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	require.Eventually(t, func() bool {
		_, up, _, _ := serverHandler.snapshot()
		return up == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The accepted association is still up while the listener closes.
	require.NoError(t, ln.Close())

	_, _, inactive, _ := serverHandler.snapshot()
	assert.Equal(t, 1, inactive)

	ln, err = tr.Listen(req, func(transport.Channel) transport.Handler { return &recHandler{} })
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
