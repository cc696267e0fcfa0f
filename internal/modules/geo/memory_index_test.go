package geo

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehail/internal/types"
)

func TestCoveringCells(t *testing.T) {
	cells, ok := coveringCells(lusaka, 15)
	require.True(t, ok)
	assert.Len(t, cells, 9)

	_, ok = coveringCells(lusaka, 60)
	assert.False(t, ok, "radius larger than one cell ring needs a full scan")
}

func TestMemoryIndex_LargeRadiusFallsBackToFullScan(t *testing.T) {
	idx := NewMemoryIndex(DefaultFreshness)
	addDriver(t, idx, "far", north(lusaka, 70), t0)

	got, err := idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 100, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"far"}, ids(got))
}

func TestMemoryIndex_MovingDriverChangesCell(t *testing.T) {
	idx := NewMemoryIndex(DefaultFreshness)
	addDriver(t, idx, "d1", north(lusaka, 200), t0)

	got, err := idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 10, Now: t0})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, idx.UpsertLocation(context.Background(), LocationUpdate{DriverID: "d1", Lat: lusaka.Lat, Lng: lusaka.Lng, At: t0}))
	got, err = idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 10, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d1"}, ids(got))
	assert.Len(t, idx.cells, 1)
}

func TestMemoryIndex_ConcurrentAssignSingleWinner(t *testing.T) {
	idx := NewMemoryIndex(DefaultFreshness)
	addDriver(t, idx, "d1", lusaka, t0)

	const attempts = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(ride types.ID) {
			defer wg.Done()
			<-start
			_, err := idx.AssignRide(context.Background(), "d1", ride)
			errs <- err
		}(types.ID(fmt.Sprintf("r%d", i)))
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if err != ErrDriverBusy {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 claim, got %d", wins)
	}
}
