// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config reads the TOML configuration of an association daemon and
// reconciles a running assoc.Management with it.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/transport"
)

// Duration is a time.Duration written as a string, e.g., "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config describes the TOML configuration.
type Config struct {
	Management   ManagementConf
	Logging      LogConf
	Options      transport.Options
	API          APIConf           `toml:"api"`
	Servers      []ServerConf      `toml:"server"`
	Associations []AssociationConf `toml:"association"`
}

// ManagementConf describes the Management-configuration block.
type ManagementConf struct {
	Name string

	// Store is the directory of the topology database. It is disabled if empty.
	Store string

	ConnectDelay   Duration `toml:"connect-delay"`
	ConnectTimeout Duration `toml:"connect-timeout"`
}

// APIConf describes the HTTP API. An empty Listen disables it.
type APIConf struct {
	Listen string
}

// ServerConf describes one [[server]] block.
type ServerConf struct {
	Name                     string
	HostAddress              string                `toml:"host-address"`
	HostPort                 int                   `toml:"host-port"`
	ExtraHostAddresses       []string              `toml:"extra-host-addresses"`
	ChannelType              transport.ChannelType `toml:"channel-type"`
	AcceptAnonymous          bool                  `toml:"accept-anonymous"`
	MaxConcurrentConnections int                   `toml:"max-concurrent-connections"`
	Start                    bool
}

// ServerConfig converts this block for the Management.
func (sc ServerConf) ServerConfig() assoc.ServerConfig {
	return assoc.ServerConfig{
		Name:                     sc.Name,
		HostAddress:              sc.HostAddress,
		HostPort:                 sc.HostPort,
		ExtraHostAddresses:       sc.ExtraHostAddresses,
		ChannelType:              sc.ChannelType,
		AcceptAnonymous:          sc.AcceptAnonymous,
		MaxConcurrentConnections: sc.MaxConcurrentConnections,
	}
}

// AssociationConf describes one [[association]] block, either a CLIENT or a
// SERVER association. The host fields are only used by clients, Server only
// by server associations.
type AssociationConf struct {
	Name               string
	Type               assoc.AssociationType
	ChannelType        transport.ChannelType `toml:"channel-type"`
	HostAddress        string                `toml:"host-address"`
	HostPort           int                   `toml:"host-port"`
	PeerAddress        string                `toml:"peer-address"`
	PeerPort           int                   `toml:"peer-port"`
	ExtraHostAddresses []string              `toml:"extra-host-addresses"`
	Server             string
	Start              bool
}

// AssociationConfig converts a CLIENT block for the Management.
func (ac AssociationConf) AssociationConfig() assoc.AssociationConfig {
	return assoc.AssociationConfig{
		Name:               ac.Name,
		HostAddress:        ac.HostAddress,
		HostPort:           ac.HostPort,
		PeerAddress:        ac.PeerAddress,
		PeerPort:           ac.PeerPort,
		ExtraHostAddresses: ac.ExtraHostAddresses,
		ChannelType:        ac.ChannelType,
	}
}

// ServerAssociationConfig converts a SERVER block for the Management.
func (ac AssociationConf) ServerAssociationConfig() assoc.ServerAssociationConfig {
	return assoc.ServerAssociationConfig{
		Name:        ac.Name,
		PeerAddress: ac.PeerAddress,
		PeerPort:    ac.PeerPort,
		ServerName:  ac.Server,
		ChannelType: ac.ChannelType,
	}
}

// Default returns the Config used for every key missing in a file.
func Default() Config {
	opts := transport.DefaultOptions()

	return Config{
		Management: ManagementConf{
			Name:           "assocd",
			ConnectDelay:   Duration{assoc.DefaultConnectDelay},
			ConnectTimeout: Duration{opts.ConnectTimeout},
		},
		Logging: LogConf{
			Level:  "info",
			Format: "text",
		},
		Options: opts,
	}
}

// Decode a TOML configuration on top of the Default and validate it.
func Decode(data string) (conf Config, err error) {
	conf = Default()

	md, err := toml.Decode(data, &conf)
	if err != nil {
		return
	}
	return conf, conf.finish(md)
}

// Load a TOML configuration file on top of the Default and validate it.
func Load(filename string) (conf Config, err error) {
	conf = Default()

	md, err := toml.DecodeFile(filename, &conf)
	if err != nil {
		return
	}
	return conf, conf.finish(md)
}

func (conf *Config) finish(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		log.WithField("keys", strings.Join(keys, ",")).Warn("Configuration contains unknown keys")
	}

	conf.Options.ConnectTimeout = conf.Management.ConnectTimeout.Duration
	return conf.Validate()
}

// ManagementConfig for creating a new assoc.Management.
func (conf Config) ManagementConfig() assoc.Config {
	return assoc.Config{
		ConnectDelay: conf.Management.ConnectDelay.Duration,
		Options:      conf.Options,
	}
}

// Validate reports every structural problem at once. Address collisions are
// left to the Management.
func (conf Config) Validate() error {
	var errs error

	if conf.Management.Name == "" {
		errs = multierror.Append(errs, fmt.Errorf("management.name is empty"))
	}
	if conf.Management.ConnectDelay.Duration <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("management.connect-delay %v must be positive", conf.Management.ConnectDelay))
	}
	if err := conf.Options.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if conf.API.Listen != "" {
		if _, _, err := net.SplitHostPort(conf.API.Listen); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("api.listen: %w", err))
		}
	}

	servers := make(map[string]ServerConf)
	for i, sc := range conf.Servers {
		if sc.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("server #%d has no name", i))
			continue
		}
		if _, exists := servers[sc.Name]; exists {
			errs = multierror.Append(errs, fmt.Errorf("server %s is defined twice", sc.Name))
		}
		servers[sc.Name] = sc
	}

	associations := make(map[string]struct{})
	for i, ac := range conf.Associations {
		if ac.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("association #%d has no name", i))
			continue
		}
		if _, exists := associations[ac.Name]; exists {
			errs = multierror.Append(errs, fmt.Errorf("association %s is defined twice", ac.Name))
		}
		associations[ac.Name] = struct{}{}

		switch ac.Type {
		case assoc.TypeClient:
			if ac.Server != "" {
				errs = multierror.Append(errs, fmt.Errorf("client association %s must not name a server", ac.Name))
			}

		case assoc.TypeServer:
			if sc, ok := servers[ac.Server]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("server association %s references unknown server %q", ac.Name, ac.Server))
			} else if sc.ChannelType != ac.ChannelType {
				errs = multierror.Append(errs, fmt.Errorf("server association %s uses %v, but server %s uses %v",
					ac.Name, ac.ChannelType, sc.Name, sc.ChannelType))
			}

		default:
			errs = multierror.Append(errs, fmt.Errorf("association %s has type %v, which cannot be configured", ac.Name, ac.Type))
		}
	}

	return errs
}
