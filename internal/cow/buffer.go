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
	"sync"

	vErrors "coriolis-cow-engine/errors"
)

// diffBuffer holds one chunk worth of origin data while it is in
// flight between the origin device and the difference storage.
type diffBuffer struct {
	data []byte
}

// bufferPool recycles diffBuffers between chunks. A blocking get may
// allocate a fresh buffer when the free list is empty; a non blocking
// get never allocates and fails with ErrWouldBlock instead, so callers
// running in contexts that must not stall can bail out early.
type bufferPool struct {
	mux  sync.Mutex
	free []*diffBuffer
	max  int
	size int
}

func newBufferPool(max, size int) *bufferPool {
	p := &bufferPool{
		max:  max,
		size: size,
	}
	for i := 0; i < max; i++ {
		p.free = append(p.free, &diffBuffer{data: make([]byte, size)})
	}
	return p
}

func (p *bufferPool) get(allowBlocking bool) (*diffBuffer, error) {
	p.mux.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mux.Unlock()
		return buf, nil
	}
	p.mux.Unlock()

	if !allowBlocking {
		return nil, vErrors.NewWouldBlockError("buffer pool exhausted")
	}
	return &diffBuffer{data: make([]byte, p.size)}, nil
}

func (p *bufferPool) put(buf *diffBuffer) {
	if buf == nil {
		return
	}
	p.mux.Lock()
	defer p.mux.Unlock()
	if len(p.free) >= p.max {
		// Over capacity buffers are simply dropped.
		return
	}
	p.free = append(p.free, buf)
}

func (p *bufferPool) freeCount() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return len(p.free)
}
