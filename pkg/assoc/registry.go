// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import "sync"

// registry is a concurrent map of unique names, remembering the insertion
// order. Iteration happens over snapshots.
type registry[T any] struct {
	mutex sync.RWMutex
	items map[string]T
	order []string
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{items: make(map[string]T)}
}

func (r *registry[T]) get(name string) (item T, ok bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	item, ok = r.items[name]
	return
}

// add inserts a new item, unless its name is already known.
func (r *registry[T]) add(name string, item T) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.items[name]; exists {
		return false
	}
	r.items[name] = item
	r.order = append(r.order, name)
	return true
}

func (r *registry[T]) remove(name string) (item T, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if item, ok = r.items[name]; !ok {
		return
	}
	delete(r.items, name)

	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return
}

// values returns a snapshot in insertion order.
func (r *registry[T]) values() []T {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	items := make([]T, 0, len(r.order))
	for _, name := range r.order {
		items = append(items, r.items[name])
	}
	return items
}

func (r *registry[T]) len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.items)
}
