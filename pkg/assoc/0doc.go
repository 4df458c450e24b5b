// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package assoc manages long-lived, named transport associations over SCTP or
// TCP.
//
// The Management is the registry of Servers and Associations. A client
// Association connects to its peer and reconnects whenever its Channel gets
// lost. A server Association is provisioned for a Server and gets bound to the
// inbound Channel of its peer. Inbound Channels without a provisioned
// Association might be offered to a ServerAcceptor, which decides about an
// anonymous Association.
//
// Applications receive payloads and communication events through an
// AssociationListener. Structural and lifecycle changes are published to
// ManagementEventListeners.
package assoc
