// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/transport"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ManagementResponse describes the Management.
type ManagementResponse struct {
	Name         string            `json:"name"`
	Started      bool              `json:"started"`
	ConnectDelay string            `json:"connectDelay"`
	Options      transport.Options `json:"options"`
}

// AssociationRequest creates a CLIENT or a SERVER association. The host fields
// are only read for clients, ServerName only for server associations.
type AssociationRequest struct {
	Type               assoc.AssociationType `json:"type"`
	Name               string                `json:"name"`
	HostAddress        string                `json:"hostAddress"`
	HostPort           int                   `json:"hostPort"`
	PeerAddress        string                `json:"peerAddress"`
	PeerPort           int                   `json:"peerPort"`
	ExtraHostAddresses []string              `json:"extraHostAddresses"`
	ChannelType        transport.ChannelType `json:"channelType"`
	ServerName         string                `json:"serverName"`
}

// SendRequest is a payload to be sent over an established association. Data
// is base64 encoded.
type SendRequest struct {
	Data              []byte `json:"data"`
	StreamNumber      int    `json:"streamNumber"`
	PayloadProtocolID uint32 `json:"payloadProtocolId"`
	Unordered         bool   `json:"unordered"`
}

// SendResponse reports the association's counters after sending.
type SendResponse struct {
	Counters assoc.Counters `json:"counters"`
}
