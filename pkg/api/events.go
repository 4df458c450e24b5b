// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dtn7/cboring"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

const (
	// eventBuffer of each client; a client falling behind is disconnected.
	eventBuffer = 64

	eventWriteTimeout = 10 * time.Second
)

// Event is a single Management event as sent to WebSocket clients. Name
// refers to the server or association the event is about.
type Event struct {
	Kind   string    `json:"event"`
	Name   string    `json:"name,omitempty"`
	Type   string    `json:"type,omitempty"`
	Server string    `json:"server,omitempty"`
	Time   time.Time `json:"time"`
}

// MarshalCbor writes the Event as a CBOR array of five elements.
func (e *Event) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	for _, field := range []string{e.Kind, e.Name, e.Type, e.Server} {
		if err := cboring.WriteTextString(field, w); err != nil {
			return err
		}
	}

	return cboring.WriteUInt(uint64(e.Time.UnixNano()), w)
}

// UnmarshalCbor reads an Event written by MarshalCbor.
func (e *Event) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 5 {
		return fmt.Errorf("expected array of five elements, got %d", n)
	}

	for _, field := range []*string{&e.Kind, &e.Name, &e.Type, &e.Server} {
		if s, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*field = s
		}
	}

	if ts, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		e.Time = time.Unix(0, int64(ts))
	}
	return nil
}

type eventClient struct {
	conn   *websocket.Conn
	cbor   bool
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func (client *eventClient) close() {
	client.closeOnce.Do(func() {
		close(client.done)
		_ = client.conn.Close()
	})
}

func (client *eventClient) writeEvent(e Event) error {
	_ = client.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))

	if !client.cbor {
		return client.conn.WriteJSON(e)
	}

	wc, err := client.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := cboring.Marshal(&e, wc); err != nil {
		return err
	}
	return wc.Close()
}

func (client *eventClient) handleWriter() {
	defer client.close()

	var logger = log.WithField("event client", client.conn.RemoteAddr().String())

	for {
		select {
		case <-client.done:
			return

		case e := <-client.events:
			if err := client.writeEvent(e); err != nil {
				logger.WithError(err).Debug("Sending event errored")
				return
			}
		}
	}
}

// handleReader discards incoming messages until the connection breaks.
func (client *eventClient) handleReader() {
	defer client.close()

	for {
		if _, _, err := client.conn.NextReader(); err != nil {
			log.WithField("event client", client.conn.RemoteAddr().String()).WithError(err).Debug("Event client disconnected")
			return
		}
	}
}

// EventHub publishes the events of a Management to WebSocket clients. It must
// be registered as the Management's assoc.ManagementEventListener and its
// ServeHTTP be bound to a HTTP endpoint, e.g., /events.
//
// Clients receive JSON text messages, or CBOR binary messages when connecting
// with the query "format=cbor".
type EventHub struct {
	mutex   sync.RWMutex
	clients map[*eventClient]struct{}

	upgrader websocket.Upgrader
	counter  *prometheus.CounterVec
}

// NewEventHub without any clients.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:  make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{},
		counter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "assoc",
				Name:      "management_events_total",
				Help:      "Number of management events by kind.",
			},
			[]string{"event"},
		),
	}
}

// Metrics counts the published events.
func (hub *EventHub) Metrics() prometheus.Collector {
	return hub.counter
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client disconnects.
func (hub *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := &eventClient{
		conn:   conn,
		cbor:   r.URL.Query().Get("format") == "cbor",
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	hub.mutex.Lock()
	hub.clients[client] = struct{}{}
	hub.mutex.Unlock()

	log.WithFields(log.Fields{
		"event client": conn.RemoteAddr().String(),
		"cbor":         client.cbor,
	}).Info("Event client connected")

	go client.handleWriter()
	client.handleReader()

	hub.mutex.Lock()
	delete(hub.clients, client)
	hub.mutex.Unlock()
}

// Clients returns the number of connected clients.
func (hub *EventHub) Clients() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	return len(hub.clients)
}

// Close disconnects all clients.
func (hub *EventHub) Close() {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	for client := range hub.clients {
		client.close()
	}
}

func (hub *EventHub) publish(e Event) {
	e.Time = time.Now()
	hub.counter.WithLabelValues(e.Kind).Inc()

	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	for client := range hub.clients {
		select {
		case client.events <- e:
		default:
			log.WithField("event client", client.conn.RemoteAddr().String()).Warn("Event client is too slow, disconnecting")
			client.close()
		}
	}
}

func (hub *EventHub) publishServer(kind string, s *assoc.Server) {
	hub.publish(Event{Kind: kind, Name: s.Name()})
}

func (hub *EventHub) publishAssociation(kind string, a *assoc.Association) {
	hub.publish(Event{
		Kind:   kind,
		Name:   a.Name(),
		Type:   a.Type().String(),
		Server: a.ServerName(),
	})
}

func (hub *EventHub) OnServiceStarted()     { hub.publish(Event{Kind: "ServiceStarted"}) }
func (hub *EventHub) OnServiceStopped()     { hub.publish(Event{Kind: "ServiceStopped"}) }
func (hub *EventHub) OnRemoveAllResources() { hub.publish(Event{Kind: "RemoveAllResources"}) }

func (hub *EventHub) OnServerAdded(s *assoc.Server)    { hub.publishServer("ServerAdded", s) }
func (hub *EventHub) OnServerRemoved(s *assoc.Server)  { hub.publishServer("ServerRemoved", s) }
func (hub *EventHub) OnServerStarted(s *assoc.Server)  { hub.publishServer("ServerStarted", s) }
func (hub *EventHub) OnServerStopped(s *assoc.Server)  { hub.publishServer("ServerStopped", s) }
func (hub *EventHub) OnServerModified(s *assoc.Server) { hub.publishServer("ServerModified", s) }

func (hub *EventHub) OnAssociationAdded(a *assoc.Association) {
	hub.publishAssociation("AssociationAdded", a)
}

func (hub *EventHub) OnAssociationRemoved(a *assoc.Association) {
	hub.publishAssociation("AssociationRemoved", a)
}

func (hub *EventHub) OnAssociationStarted(a *assoc.Association) {
	hub.publishAssociation("AssociationStarted", a)
}

func (hub *EventHub) OnAssociationStopped(a *assoc.Association) {
	hub.publishAssociation("AssociationStopped", a)
}

func (hub *EventHub) OnAssociationUp(a *assoc.Association) {
	hub.publishAssociation("AssociationUp", a)
}

func (hub *EventHub) OnAssociationDown(a *assoc.Association) {
	hub.publishAssociation("AssociationDown", a)
}

func (hub *EventHub) OnAssociationModified(a *assoc.Association) {
	hub.publishAssociation("AssociationModified", a)
}
