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

//go:build unix

package arena

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MmapBackend allocates regions as private anonymous memory mappings. The
// memory lives outside of the Go heap and is zero filled by the kernel.
type MmapBackend struct{}

// Alloc implements Backend.
func (MmapBackend) Alloc(n int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap(%d)", n)
	}
	return b, nil
}

// Free implements Backend.
func (MmapBackend) Free(b []byte) error {
	return errors.Wrap(unix.Munmap(b), "munmap")
}
