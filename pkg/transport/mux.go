// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Mux is a Provider dispatching to one registered Transport per ChannelType.
type Mux struct {
	mutex      sync.RWMutex
	transports map[ChannelType]Transport
}

// NewMux creates a Mux for the given Transports. A later Transport replaces an
// earlier one of the same type.
func NewMux(transports ...Transport) *Mux {
	mux := &Mux{transports: make(map[ChannelType]Transport)}
	for _, t := range transports {
		mux.Register(t)
	}
	return mux
}

// Register a Transport for its ChannelType.
func (mux *Mux) Register(t Transport) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	mux.transports[t.Type()] = t
}

func (mux *Mux) transport(ct ChannelType) (Transport, error) {
	mux.mutex.RLock()
	defer mux.mutex.RUnlock()

	t, ok := mux.transports[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChannelType, ct)
	}
	return t, nil
}

// Dial through the Transport registered for ct.
func (mux *Mux) Dial(ctx context.Context, ct ChannelType, req DialRequest, h Handler) (Channel, error) {
	t, err := mux.transport(ct)
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, req, h)
}

// Listen through the Transport registered for ct.
func (mux *Mux) Listen(ct ChannelType, req ListenRequest, accept AcceptFunc) (Listener, error) {
	t, err := mux.transport(ct)
	if err != nil {
		return nil, err
	}
	return t.Listen(req, accept)
}
