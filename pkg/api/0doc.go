// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api exposes an assoc.Management over HTTP.
//
// The RestAPI offers CRUD and lifecycle operations on servers and
// associations as JSON resources. The EventHub streams the Management's
// events to WebSocket clients, either JSON or CBOR encoded. The Collector
// exports the associations' counters and states as Prometheus metrics.
//
// API bundles all three behind a single HTTP server.
package api
