package diffstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/types"
)

var testDevID = types.DevID{Major: 8, Minor: 16}

func TestGetExtentCarvesExactSize(t *testing.T) {
	a := NewAllocator(nil, testDevID, nil, 0)
	a.AddRanges([]types.BlockRange{{Offset: 100, Count: 1000}})

	ext, err := a.GetExtent(256)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), ext.Sector)
	assert.Equal(t, uint64(256), ext.Count)

	// The next extent continues where the previous one ended;
	// handed out extents never return to the pool.
	ext, err = a.GetExtent(256)
	require.NoError(t, err)
	assert.Equal(t, uint64(356), ext.Sector)

	assert.Equal(t, uint64(488), a.FreeSectors())
	assert.Equal(t, uint64(512), a.AllocatedSectors())
}

func TestGetExtentSkipsShortRanges(t *testing.T) {
	a := NewAllocator(nil, testDevID, nil, 0)
	a.AddRanges([]types.BlockRange{
		{Offset: 0, Count: 64},
		{Offset: 4096, Count: 512},
	})

	ext, err := a.GetExtent(256)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), ext.Sector)

	// The short range is still available for smaller requests.
	ext, err = a.GetExtent(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ext.Sector)
}

func TestNoSpaceEmitsLowSpaceEvent(t *testing.T) {
	queue := events.NewQueue()
	defer queue.Close()

	a := NewAllocator(nil, testDevID, queue, 0)

	_, err := a.GetExtent(256)
	assert.ErrorIs(t, err, vErrors.ErrNoSpace)

	event, err := queue.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeLowSpace, event.Code)

	var payload types.LowSpacePayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, testDevID, payload.DevID)
	assert.Equal(t, uint64(256), payload.RequestedSectors)
	assert.Equal(t, uint64(0), payload.FreeSectors)
}

func TestLowWatermarkWarnsOncePerRefill(t *testing.T) {
	queue := events.NewQueue()
	defer queue.Close()

	a := NewAllocator(nil, testDevID, queue, 512)
	a.AddRanges([]types.BlockRange{{Offset: 0, Count: 1024}})

	// First allocation leaves 768 free sectors, above the watermark.
	_, err := a.GetExtent(256)
	require.NoError(t, err)
	_, err = queue.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, vErrors.ErrEmptyQueue)

	// Dropping below the watermark warns exactly once.
	_, err = a.GetExtent(512)
	require.NoError(t, err)
	_, err = a.GetExtent(128)
	require.NoError(t, err)

	event, err := queue.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeLowSpace, event.Code)
	_, err = queue.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, vErrors.ErrEmptyQueue)

	// Registering more storage re-arms the warning.
	a.AddRanges([]types.BlockRange{{Offset: 4096, Count: 128}})
	_, err = a.GetExtent(128)
	require.NoError(t, err)

	event, err = queue.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeLowSpace, event.Code)
}

func TestAddRangesRacesGetExtent(t *testing.T) {
	a := NewAllocator(nil, testDevID, nil, 0)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			a.AddRanges([]types.BlockRange{{Offset: uint64(i) * 128, Count: 128}})
		}
	}()

	var granted int
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := a.GetExtent(64); err == nil {
				granted++
			}
		}
	}()

	wg.Wait()

	// Every registered sector is either still free or was granted.
	assert.Equal(t, uint64(100*128), a.FreeSectors()+a.AllocatedSectors())
	assert.Equal(t, uint64(granted*64), a.AllocatedSectors())
}
