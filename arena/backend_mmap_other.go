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

//go:build !unix

package arena

import "github.com/pkg/errors"

// MmapBackend is unavailable on this platform: every Alloc fails.
type MmapBackend struct{}

// Alloc implements Backend.
func (MmapBackend) Alloc(n int) ([]byte, error) {
	return nil, errors.Errorf("mmap(%d): anonymous mappings are not supported on this platform", n)
}

// Free implements Backend.
func (MmapBackend) Free([]byte) error {
	return nil
}
