package cbt

import (
	"log"
	"sync"

	"github.com/google/uuid"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/types"
)

// countByShift returns the number of tracking blocks needed to cover
// capacity sectors with a block size of 1<<shift bytes.
func countByShift(capacity uint64, shift uint) uint64 {
	blkSize := uint64(1) << (shift - types.SectorShift)
	return (capacity + blkSize - 1) / blkSize
}

// NewMap allocates the change block tracking map for a device of the
// given capacity, in sectors. The tracking block size is the smallest
// power of two, starting from 1<<minShift bytes, for which the block
// count does not exceed maxCount.
func NewMap(capacity uint64, minShift uint, maxCount uint64) *Map {
	m := &Map{
		minShift: minShift,
		maxCount: maxCount,
	}
	m.allocate(capacity)
	return m
}

// Map records which tracking blocks of a device have been written,
// stamped with the snapshot generation that first touched them. Two
// byte maps are live at all times: the write map mutated by current
// writes, and the read map frozen at the last capture, which is the
// one exposed to CBT consumers.
type Map struct {
	mux sync.Mutex

	deviceCapacity uint64
	blkSizeShift   uint
	blkCount       uint64

	readMap  []byte
	writeMap []byte

	snapNumberPrevious uint32
	snapNumberActive   uint32
	generationID       uuid.UUID

	corrupted bool

	minShift uint
	maxCount uint64
}

// allocate computes the block size for the given capacity and resets
// all tracking state. Callers must hold m.mux, except from NewMap.
func (m *Map) allocate(capacity uint64) {
	shift := m.minShift
	count := countByShift(capacity, shift)

	// The size of the tracking block is calculated based on the size
	// of the disk so that the CBT table does not exceed a reasonable
	// size.
	for count > m.maxCount {
		shift++
		count = countByShift(capacity, shift)
	}

	m.deviceCapacity = capacity
	m.blkSizeShift = shift
	m.blkCount = count
	m.readMap = make([]byte, count)
	m.writeMap = make([]byte, count)
	m.snapNumberPrevious = 0
	m.snapNumberActive = 1
	m.generationID = uuid.New()
	m.corrupted = false
}

// set stamps every tracking block overlapping [start, start+count)
// with snapNumber in the given map, never lowering an existing stamp.
// Callers must hold m.mux.
func (m *Map) set(target []byte, start, count uint64, snapNumber byte) error {
	if count == 0 {
		return nil
	}
	sectorShift := m.blkSizeShift - types.SectorShift
	first := start >> sectorShift
	last := (start + count - 1) >> sectorShift

	for blk := first; blk <= last; blk++ {
		if blk >= m.blkCount {
			log.Printf("CBT block index too large: block %d demanded, map size %d blocks", blk, m.blkCount)
			return vErrors.NewOutOfRangeError(
				"block %d is outside the CBT map (%d blocks)", blk, m.blkCount)
		}
		if target[blk] < snapNumber {
			target[blk] = snapNumber
		}
	}
	return nil
}

// Mark stamps the sector range as changed in the current generation.
// A failure flips the sticky corrupted flag; the caller must still
// allow the original I/O to proceed.
func (m *Map) Mark(start, count uint64) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.corrupted {
		return vErrors.NewCorruptedError("CBT map is corrupted")
	}

	if err := m.set(m.writeMap, start, count, byte(m.snapNumberActive)); err != nil {
		m.corrupted = true
		return err
	}
	return nil
}

// MarkBoth stamps the sector range in both the active and the
// previous map. Used when a write lands on a snapshot image itself,
// and for explicit dirty marking during restore bookkeeping.
func (m *Map) MarkBoth(start, count uint64) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.corrupted {
		return vErrors.NewCorruptedError("CBT map is corrupted")
	}

	if err := m.set(m.writeMap, start, count, byte(m.snapNumberActive)); err != nil {
		m.corrupted = true
		return err
	}
	if err := m.set(m.readMap, start, count, byte(m.snapNumberPrevious)); err != nil {
		m.corrupted = true
		return err
	}
	return nil
}

// MarkDirtyBlocks applies MarkBoth to every range in the set.
func (m *Map) MarkDirtyBlocks(ranges []types.BlockRange) error {
	for _, val := range ranges {
		if err := m.MarkBoth(val.Offset, val.Count); err != nil {
			return err
		}
	}
	return nil
}

// Switch freezes the current generation for CBT readers and starts a
// new one. After 255 generations the active map is zeroed and a new
// generation identifier is created, forcing consumers to take a full
// baseline.
func (m *Map) Switch() {
	m.mux.Lock()
	defer m.mux.Unlock()

	copy(m.readMap, m.writeMap)

	m.snapNumberPrevious = m.snapNumberActive
	m.snapNumberActive++
	if m.snapNumberActive == 256 {
		m.snapNumberActive = 1

		for i := range m.writeMap {
			m.writeMap[i] = 0
		}
		m.generationID = uuid.New()

		log.Print("CBT reset: generation number wrapped")
	}
}

// Read copies a window of the previous (frozen) map. The length is
// clamped to the end of the map.
func (m *Map) Read(offset, length uint64) ([]byte, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.corrupted {
		return nil, vErrors.NewCorruptedError("CBT map is corrupted")
	}

	if offset >= m.blkCount {
		return nil, vErrors.NewOutOfRangeError(
			"offset %d is outside the CBT map (%d blocks)", offset, m.blkCount)
	}

	realSize := m.blkCount - offset
	if length < realSize {
		realSize = length
	}

	ret := make([]byte, realSize)
	copy(ret, m.readMap[offset:offset+realSize])
	return ret, nil
}

// Reset reallocates both maps for a new device capacity and clears
// the corrupted flag. Used when a device resize is detected at
// capture time, or to recover from corruption.
func (m *Map) Reset(capacity uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.allocate(capacity)
}

// IsCorrupted returns the sticky corruption flag.
func (m *Map) IsCorrupted() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.corrupted
}

// DeviceCapacity returns the capacity, in sectors, the map was
// allocated for.
func (m *Map) DeviceCapacity() uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.deviceCapacity
}

// Info returns the CBT metadata exposed to the backup controller.
func (m *Map) Info(devID types.DevID) types.CBTInfo {
	m.mux.Lock()
	defer m.mux.Unlock()

	return types.CBTInfo{
		DevID:        devID,
		DevCapacity:  m.deviceCapacity,
		BlockSize:    uint32(1) << m.blkSizeShift,
		BlockCount:   m.blkCount,
		SnapNumber:   byte(m.snapNumberPrevious),
		GenerationID: [16]byte(m.generationID),
	}
}
