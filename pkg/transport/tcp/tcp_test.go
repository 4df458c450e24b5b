// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/assoc-go/pkg/transport"
)

func getRandomPort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Error(err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// recHandler records every event of a Channel.
type recHandler struct {
	mutex    sync.Mutex
	active   int
	inactive int
	data     bytes.Buffer
	msgs     [][]byte

	readCh chan struct{}
}

func newRecHandler() *recHandler {
	return &recHandler{readCh: make(chan struct{}, 1024)}
}

func (h *recHandler) OnActive(transport.Channel) {
	h.mutex.Lock()
	h.active++
	h.mutex.Unlock()
}

func (h *recHandler) OnAssociationUp(transport.Channel, int, int) {}

func (h *recHandler) OnRead(_ transport.Channel, msg transport.Message) {
	h.mutex.Lock()
	h.data.Write(msg.Data)
	h.msgs = append(h.msgs, msg.Data)
	h.mutex.Unlock()

	h.readCh <- struct{}{}
}

func (h *recHandler) OnCommunicationLost(transport.Channel)    {}
func (h *recHandler) OnCommunicationRestart(transport.Channel) {}

func (h *recHandler) OnInactive(transport.Channel) {
	h.mutex.Lock()
	h.inactive++
	h.mutex.Unlock()
}

func (h *recHandler) received() ([]byte, int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return append([]byte(nil), h.data.Bytes()...), len(h.msgs)
}

func (h *recHandler) counts() (int, int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.active, h.inactive
}

func testServerClient(t *testing.T, framing transport.Framing) {
	opts := transport.DefaultOptions()
	opts.TCPFraming = framing
	tr := New(opts)

	serverPort := getRandomPort(t)
	serverHandler := newRecHandler()

	ln, err := tr.Listen(transport.ListenRequest{Address: "127.0.0.1", Port: serverPort},
		func(transport.Channel) transport.Handler { return serverHandler })
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	clientHandler := newRecHandler()
	ch, err := tr.Dial(context.Background(), transport.DialRequest{
		LocalAddress:  "127.0.0.1",
		LocalPort:     getRandomPort(t),
		RemoteAddress: "127.0.0.1",
		RemotePort:    serverPort,
	}, clientHandler)
	if err != nil {
		t.Fatal(err)
	}

	const packages = 100
	var expected bytes.Buffer
	for i := 0; i < packages; i++ {
		payload := []byte(fmt.Sprintf("hello world %03d", i))
		expected.Write(payload)

		if err := ch.Send(transport.Message{Data: payload}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		data, msgs := serverHandler.received()
		if bytes.Equal(data, expected.Bytes()) {
			if framing == transport.FramingCBOR && msgs != packages {
				t.Fatalf("framed transfer delivered %d messages, expected %d", msgs, packages)
			}
			break
		}

		select {
		case <-serverHandler.readCh:
		case <-deadline:
			t.Fatalf("server received %d bytes, expected %d", len(data), expected.Len())
		}
	}

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("client channel did not terminate")
	}

	if active, inactive := clientHandler.counts(); active != 1 || inactive != 1 {
		t.Fatalf("client handler: active=%d inactive=%d", active, inactive)
	}

	deadline = time.After(time.Second)
	for {
		if active, inactive := serverHandler.counts(); active == 1 && inactive == 1 {
			break
		}

		select {
		case <-deadline:
			active, inactive := serverHandler.counts()
			t.Fatalf("server handler: active=%d inactive=%d", active, inactive)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTCPServerClientRaw(t *testing.T) {
	testServerClient(t, transport.FramingRaw)
}

func TestTCPServerClientCBOR(t *testing.T) {
	testServerClient(t, transport.FramingCBOR)
}

func TestTCPListenerRejects(t *testing.T) {
	tr := New(transport.DefaultOptions())
	serverPort := getRandomPort(t)

	ln, err := tr.Listen(transport.ListenRequest{Address: "127.0.0.1", Port: serverPort},
		func(transport.Channel) transport.Handler { return nil })
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	clientHandler := newRecHandler()
	ch, err := tr.Dial(context.Background(), transport.DialRequest{
		LocalAddress:  "127.0.0.1",
		RemoteAddress: "127.0.0.1",
		RemotePort:    serverPort,
	}, clientHandler)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("rejected channel was not closed by the server")
	}

	if active, inactive := clientHandler.counts(); active != 1 || inactive != 1 {
		t.Fatalf("client handler: active=%d inactive=%d", active, inactive)
	}
}

func TestTCPListenerCloseBlocks(t *testing.T) {
	tr := New(transport.DefaultOptions())
	serverPort := getRandomPort(t)

	ln, err := tr.Listen(transport.ListenRequest{Address: "127.0.0.1", Port: serverPort},
		func(transport.Channel) transport.Handler { return nil })
	if err != nil {
		t.Fatal(err)
	}

	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	// A second Close must not panic.
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}

	// The port is released once Close returned.
	ln2, err := tr.Listen(transport.ListenRequest{Address: "127.0.0.1", Port: serverPort},
		func(transport.Channel) transport.Handler { return nil })
	if err != nil {
		t.Fatal(err)
	}
	_ = ln2.Close()
}
