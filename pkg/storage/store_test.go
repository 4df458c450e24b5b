// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/transport"
)

func setupStoreDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "store")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestStore(t *testing.T) {
	dir := setupStoreDir(t)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"b", "a", "c"} {
		if err := store.PutServer(ServerItem{Name: name, HostAddress: "127.0.0.1", HostPort: 4000}); err != nil {
			t.Fatal(err)
		}
	}

	// Updates keep the insertion order.
	if err := store.PutServer(ServerItem{Name: "b", HostAddress: "127.0.0.1", HostPort: 4001, Started: true}); err != nil {
		t.Fatal(err)
	}

	if sis, err := store.Servers(); err != nil {
		t.Fatal(err)
	} else if len(sis) != 3 {
		t.Fatalf("Found %d servers, instead of 3", len(sis))
	} else if sis[0].Name != "b" || sis[1].Name != "a" || sis[2].Name != "c" {
		t.Fatalf("Servers are out of order: %v", sis)
	} else if sis[0].HostPort != 4001 || !sis[0].Started {
		t.Fatalf("Server was not updated: %v", sis[0])
	}

	if err := store.DeleteServer("a"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteServer("unknown"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Server("a"); err == nil {
		t.Fatal("Deleted server was found")
	}

	ai := AssociationItem{Name: "client", Type: assoc.TypeClient, ChannelType: transport.TCP, PeerPort: 3000}
	if err := store.PutAssociation(ai); err != nil {
		t.Fatal(err)
	}
	if err := store.PutAssociation(AssociationItem{Name: "another", Type: assoc.TypeClient, ChannelType: transport.SCTP}); err != nil {
		t.Fatal(err)
	}

	if ais, err := store.Associations(); err != nil {
		t.Fatal(err)
	} else if len(ais) != 2 || ais[0].Name != "client" || ais[1].Name != "another" {
		t.Fatalf("Associations are out of order: %v", ais)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen and continue the insertion order.
	store, err = NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	if ai2, err := store.Association("client"); err != nil {
		t.Fatal(err)
	} else if ai2.Type != assoc.TypeClient || ai2.ChannelType != transport.TCP || ai2.PeerPort != 3000 {
		t.Fatalf("AssociationItem changed after reopening: %v", ai2)
	}

	if err := store.PutServer(ServerItem{Name: "d", HostAddress: "127.0.0.1", HostPort: 4002}); err != nil {
		t.Fatal(err)
	}
	if si, err := store.Server("d"); err != nil {
		t.Fatal(err)
	} else if ai2, _ := store.Association("client"); si.Seq <= ai2.Seq {
		t.Fatalf("Sequence was not continued, %d <= %d", si.Seq, ai2.Seq)
	}

	if err := store.Clear(); err != nil {
		t.Fatal(err)
	}
	if sis, _ := store.Servers(); len(sis) != 0 {
		t.Fatalf("Found %d servers after clearing", len(sis))
	}
	if ais, _ := store.Associations(); len(ais) != 0 {
		t.Fatalf("Found %d associations after clearing", len(ais))
	}
}

// offlineProvider listens without sockets and never reaches any peer.
type offlineProvider struct{}

type offlineListener struct {
	addr net.Addr
}

func (l offlineListener) Addr() net.Addr { return l.addr }
func (l offlineListener) Close() error   { return nil }

func (offlineProvider) Dial(context.Context, transport.ChannelType, transport.DialRequest, transport.Handler) (transport.Channel, error) {
	return nil, errors.New("peer is unreachable")
}

func (offlineProvider) Listen(_ transport.ChannelType, req transport.ListenRequest, _ transport.AcceptFunc) (transport.Listener, error) {
	return offlineListener{addr: &net.TCPAddr{IP: net.ParseIP(req.Address), Port: req.Port}}, nil
}

type nopListener struct{}

func (nopListener) OnCommunicationUp(*assoc.Association, int, int)          {}
func (nopListener) OnCommunicationShutdown(*assoc.Association)              {}
func (nopListener) OnCommunicationLost(*assoc.Association)                  {}
func (nopListener) OnCommunicationRestart(*assoc.Association)               {}
func (nopListener) OnPayload(*assoc.Association, assoc.PayloadData)         {}
func (nopListener) OnInvalidStreamID(*assoc.Association, assoc.PayloadData) {}

func newManagement(t *testing.T) *assoc.Management {
	m, err := assoc.NewManagement("test", assoc.Config{
		ConnectDelay: time.Hour,
		Provider:     offlineProvider{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRecorderRestore(t *testing.T) {
	dir := setupStoreDir(t)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	m1 := newManagement(t)
	m1.RegisterManagementEventListener(NewRecorder(store))

	if _, err := m1.AddServer(assoc.ServerConfig{
		Name:            "server",
		HostAddress:     "127.0.0.1",
		HostPort:        4000,
		ChannelType:     transport.SCTP,
		AcceptAnonymous: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.AddServer(assoc.ServerConfig{Name: "idle", HostAddress: "127.0.0.1", HostPort: 4001}); err != nil {
		t.Fatal(err)
	}

	sa, err := m1.AddServerAssociation(assoc.ServerAssociationConfig{
		Name:        "server-assoc",
		PeerAddress: "127.0.0.2",
		ServerName:  "server",
		ChannelType: transport.SCTP,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m1.AddAssociation(assoc.AssociationConfig{
		Name:        "client",
		HostAddress: "127.0.0.1",
		HostPort:    2000,
		PeerAddress: "127.0.0.2",
		PeerPort:    3000,
		ChannelType: transport.TCP,
	}); err != nil {
		t.Fatal(err)
	}

	if err := sa.SetListener(nopListener{}); err != nil {
		t.Fatal(err)
	}
	if err := m1.StartServer("server"); err != nil {
		t.Fatal(err)
	}
	if err := m1.StartAssociation("server-assoc"); err != nil {
		t.Fatal(err)
	}

	if err := m1.Stop(); err != nil {
		t.Fatal(err)
	}

	if si, err := store.Server("server"); err != nil {
		t.Fatal(err)
	} else if !si.Started || !si.AcceptAnonymous || si.ChannelType != transport.SCTP {
		t.Fatalf("Stored server differs: %v", si)
	}
	if ai, err := store.Association("server-assoc"); err != nil {
		t.Fatal(err)
	} else if !ai.Started || ai.Type != assoc.TypeServer || ai.ServerName != "server" {
		t.Fatalf("Stored association differs: %v", ai)
	}

	m2 := newManagement(t)
	defer func() { _ = m2.Stop() }()

	if err := store.Restore(m2, func(*assoc.Association) assoc.AssociationListener { return nopListener{} }); err != nil {
		t.Fatal(err)
	}

	servers := m2.Servers()
	if len(servers) != 2 || servers[0].Name() != "server" || servers[1].Name() != "idle" {
		t.Fatalf("Restored servers differ: %v", servers)
	}
	if !servers[0].IsStarted() || servers[1].IsStarted() {
		t.Fatalf("Restored servers have a wrong state: %v", servers)
	}

	associations := m2.Associations()
	if len(associations) != 2 {
		t.Fatalf("Restored %d associations, instead of 2", len(associations))
	}
	if a := associations[0]; a.Name() != "server-assoc" || a.Type() != assoc.TypeServer || !a.IsStarted() {
		t.Fatalf("Restored server association differs: %v", a)
	}
	if a := associations[1]; a.Name() != "client" || a.Type() != assoc.TypeClient || a.IsStarted() || a.PeerPort() != 3000 {
		t.Fatalf("Restored client association differs: %v", a)
	}

	// Removing everything clears the Store.
	m2.RegisterManagementEventListener(NewRecorder(store))
	if err := m2.RemoveAllResources(); err != nil {
		t.Fatal(err)
	}
	if sis, _ := store.Servers(); len(sis) != 0 {
		t.Fatalf("Found %d servers after removing all resources", len(sis))
	}
	if ais, _ := store.Associations(); len(ais) != 0 {
		t.Fatalf("Found %d associations after removing all resources", len(ais))
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}
