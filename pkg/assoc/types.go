// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"strings"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// AssociationType is the kind of an Association.
type AssociationType uint8

const (
	// TypeClient associations actively connect to a peer and reconnect after
	// losing the connection.
	TypeClient AssociationType = iota

	// TypeServer associations are provisioned for a Server and bound to inbound
	// connections of their peer.
	TypeServer

	// TypeAnonymousServer associations are created for inbound connections
	// matching no provisioned association. They are owned by their Server and
	// never part of the registry.
	TypeAnonymousServer
)

func (at AssociationType) String() string {
	switch at {
	case TypeClient:
		return "CLIENT"
	case TypeServer:
		return "SERVER"
	case TypeAnonymousServer:
		return "ANONYMOUS_SERVER"
	default:
		return fmt.Sprintf("AssociationType(%d)", uint8(at))
	}
}

// ParseAssociationType reads an AssociationType case-insensitively.
func ParseAssociationType(s string) (AssociationType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLIENT":
		return TypeClient, nil
	case "SERVER":
		return TypeServer, nil
	case "ANONYMOUS_SERVER":
		return TypeAnonymousServer, nil
	default:
		return 0, validationErrorf("unknown association type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (at AssociationType) MarshalText() ([]byte, error) {
	return []byte(at.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (at *AssociationType) UnmarshalText(text []byte) error {
	parsed, err := ParseAssociationType(string(text))
	if err != nil {
		return err
	}
	*at = parsed
	return nil
}

// PayloadData is a message sent or received over an Association.
type PayloadData struct {
	Data              []byte
	Complete          bool
	Unordered         bool
	PayloadProtocolID uint32
	StreamNumber      int
}

func (pd PayloadData) String() string {
	return fmt.Sprintf("PayloadData(len=%d, complete=%t, unordered=%t, ppid=%d, stream=%d)",
		len(pd.Data), pd.Complete, pd.Unordered, pd.PayloadProtocolID, pd.StreamNumber)
}

// Counters of an Association, all monotonically increasing.
type Counters struct {
	PacketsSent            int64 `json:"packetsSent"`
	BytesSent              int64 `json:"bytesSent"`
	PacketsReceived        int64 `json:"packetsReceived"`
	BytesReceived          int64 `json:"bytesReceived"`
	CommunicationsUp       int64 `json:"communicationsUp"`
	CommunicationsDown     int64 `json:"communicationsDown"`
	CommunicationsLost     int64 `json:"communicationsLost"`
	CommunicationsRestarts int64 `json:"communicationsRestarts"`
}

// AssociationInfo is a snapshot of an Association.
type AssociationInfo struct {
	Name               string                `json:"name"`
	Type               AssociationType       `json:"type"`
	ChannelType        transport.ChannelType `json:"channelType"`
	HostAddress        string                `json:"hostAddress,omitempty"`
	HostPort           int                   `json:"hostPort,omitempty"`
	PeerAddress        string                `json:"peerAddress"`
	PeerPort           int                   `json:"peerPort"`
	ServerName         string                `json:"serverName,omitempty"`
	ExtraHostAddresses []string              `json:"extraHostAddresses,omitempty"`
	Started            bool                  `json:"started"`
	Up                 bool                  `json:"up"`
	Connected          bool                  `json:"connected"`
	Counters           Counters              `json:"counters"`
}

// ServerInfo is a snapshot of a Server.
type ServerInfo struct {
	Name                     string                `json:"name"`
	HostAddress              string                `json:"hostAddress"`
	HostPort                 int                   `json:"hostPort"`
	ExtraHostAddresses       []string              `json:"extraHostAddresses,omitempty"`
	ChannelType              transport.ChannelType `json:"channelType"`
	AcceptAnonymous          bool                  `json:"acceptAnonymous"`
	MaxConcurrentConnections int                   `json:"maxConcurrentConnections"`
	Started                  bool                  `json:"started"`
	Associations             []string              `json:"associations"`
	AnonymousAssociations    []string              `json:"anonymousAssociations"`
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}
