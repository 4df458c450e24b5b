// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

const shutdownTimeout = 5 * time.Second

// API serves the RestAPI below /rest, the EventHub at /events and the
// Collector's metrics at /metrics.
type API struct {
	management *assoc.Management
	router     *mux.Router

	rest      *RestAPI
	events    *EventHub
	eventsKey uuid.UUID
	registry  *prometheus.Registry

	httpServer *http.Server
	listener   net.Listener
}

// New API for a Management. The EventHub is registered as the Management's
// event listener until Close is called.
func New(m *assoc.Management, listeners assoc.ListenerFactory) *API {
	router := mux.NewRouter()

	api := &API{
		management: m,
		router:     router,
		rest:       NewRestAPI(m, listeners, router.PathPrefix("/rest").Subrouter()),
		events:     NewEventHub(),
		registry:   prometheus.NewRegistry(),
	}

	api.eventsKey = m.RegisterManagementEventListener(api.events)

	api.registry.MustRegister(
		NewCollector(m),
		api.events.Metrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router.Handle("/events", api.events)
	router.Handle("/metrics", promhttp.HandlerFor(api.registry, promhttp.HandlerOpts{}))

	return api
}

// ServeHTTP makes the API a http.Handler, e.g., for tests.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

// Events returns the API's EventHub.
func (api *API) Events() *EventHub {
	return api.events
}

// Serve the API on addr in the background.
func (api *API) Serve(addr string) (err error) {
	if api.listener, err = net.Listen("tcp", addr); err != nil {
		return
	}

	api.httpServer = &http.Server{
		Handler:           api.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := api.httpServer.Serve(api.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API's HTTP server errored")
		}
	}()

	log.WithField("address", api.listener.Addr().String()).Info("API is listening")
	return
}

// Addr of the serving API, or nil.
func (api *API) Addr() net.Addr {
	if api.listener == nil {
		return nil
	}
	return api.listener.Addr()
}

// Close unregisters the EventHub, disconnects its clients and shuts a serving
// API down.
func (api *API) Close() error {
	api.management.RemoveManagementEventListener(api.eventsKey)
	api.events.Close()

	if api.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return api.httpServer.Shutdown(ctx)
}
