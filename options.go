// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fnvmap

// option provide an interface to do work on Map while it is being created.
type option[V any] interface {
	apply(m *Map[V])
}

type hashOption[V any] struct {
	hash func(key []byte) uint64
}

func (op hashOption[V]) apply(m *Map[V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[V]. The
// default is the FNV-1 hash implemented by Hash.
func WithHash[V any](hash func(key []byte) uint64) option[V] {
	return hashOption[V]{hash}
}

// Allocator specifies an interface for allocating and releasing the slot
// arrays used by a Map. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Map.Close must be called in order to ensure FreeSlots is called.
type Allocator[V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[V], n).
	AllocSlots(n int) []Slot[V]

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[V])
}

type defaultAllocator[V any] struct{}

func (defaultAllocator[V]) AllocSlots(n int) []Slot[V] {
	return make([]Slot[V], n)
}

func (defaultAllocator[V]) FreeSlots(v []Slot[V]) {
}

type allocatorOption[V any] struct {
	allocator Allocator[V]
}

func (op allocatorOption[V]) apply(m *Map[V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[V].
func WithAllocator[V any](allocator Allocator[V]) option[V] {
	return allocatorOption[V]{allocator}
}

// KeyStore owns copies of the keys held by a Map. Clone returns a copy of key
// that remains valid until it is passed to Free. An *arena.Arena is a
// KeyStore.
type KeyStore interface {
	Clone(key []byte) []byte
	Free(key []byte)
}

type keyStoreOption[V any] struct {
	keys KeyStore
}

func (op keyStoreOption[V]) apply(m *Map[V]) {
	m.keys = op.keys
}

// WithKeyStore is an option that makes a Map[V] own its keys. Every newly
// inserted key is copied with KeyStore.Clone, and released with
// KeyStore.Free when its entry is deleted or the Map is closed, so callers
// may reuse their key buffers as soon as Put returns.
//
// Without a KeyStore the Map borrows keys: it stores the caller's slice and
// the caller must neither modify nor release the key's memory for as long as
// the entry is present.
func WithKeyStore[V any](keys KeyStore) option[V] {
	return keyStoreOption[V]{keys}
}
