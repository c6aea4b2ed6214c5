// Coriolis COW engine
// Copyright (C) 2026 Cloudbase Solutions SRL
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cow

import (
	"container/list"
	"sync"

	"coriolis-cow-engine/internal/diffstore"
)

// Chunk lifecycle flags. A chunk with none of these set has not been
// touched since the capture started and its data is still served from
// the origin device.
const (
	// chunkStLoading is set while origin data is being read into
	// the chunk buffer.
	chunkStLoading uint32 = 1 << iota
	// chunkStBufferReady means the buffer holds a valid copy of the
	// origin data.
	chunkStBufferReady
	// chunkStStoring is set while the buffer is being written out to
	// the difference storage.
	chunkStStoring
	// chunkStStoreReady means the difference storage extent holds a
	// valid copy and can serve reads on its own.
	chunkStStoreReady
	// chunkStInCache marks buffers parked on the eviction list.
	chunkStInCache
	// chunkStFailed is terminal. Once set the whole difference area
	// is considered corrupted.
	chunkStFailed
)

// chunk tracks the preservation state of one fixed size slice of the
// origin device. All fields except number and sectorCount are guarded
// by mux; cacheLink is guarded by the area cache lock.
type chunk struct {
	number      uint64
	sectorCount uint64

	mux   sync.Mutex
	state uint32
	err   error

	buffer *diffBuffer
	store  *diffstore.Extent

	// loaded is closed once the origin data is safely out of harm's
	// way (buffer filled, or the chunk failed). Recreated on every
	// load cycle.
	loaded chan struct{}
	// stored is closed when the write to the difference storage
	// settles, successfully or not.
	stored chan struct{}

	cacheLink *list.Element
}

// hasState reports whether any of the given flags are set. Callers
// must hold mux.
func (c *chunk) hasState(flags uint32) bool {
	return c.state&flags != 0
}
