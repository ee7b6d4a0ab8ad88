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

package arena

// Backend supplies the memory backing an Arena's regions. Alloc must return
// a writable buffer of at least n bytes (which need not be zeroed) or an
// error. Free receives buffers exactly as they were returned by Alloc.
type Backend interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte) error
}

// HeapBackend allocates regions from the Go heap. Freed regions are reclaimed
// by the garbage collector once the Arena drops its references to them.
type HeapBackend struct{}

// Alloc implements Backend.
func (HeapBackend) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

// Free implements Backend.
func (HeapBackend) Free([]byte) error {
	return nil
}
