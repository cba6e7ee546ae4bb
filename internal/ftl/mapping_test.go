package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znsftl/znsftl/internal/transport"
)

func TestMappingStoreLogLookup(t *testing.T) {
	m := newMappingStore(testNumZones)

	_, _, ok := m.logLookup(0x1000)
	require.False(t, ok, "unwritten address has no log-map entry")

	m.logInsert(0x1000, 42)
	pba, invalid, ok := m.logLookup(0x1000)
	require.True(t, ok)
	assert.False(t, invalid)
	assert.Equal(t, uint64(42), pba)

	m.logInsert(0x1000, 42|invalidBit)
	pba, invalid, ok = m.logLookup(0x1000)
	require.True(t, ok)
	assert.True(t, invalid)
	assert.Equal(t, uint64(42), pba, "the invalid bit must not leak into the returned PBA")
}

func TestMappingStoreLogClear(t *testing.T) {
	m := newMappingStore(testNumZones)
	m.logInsert(0, 1)
	m.logInsert(4096, 2)
	require.Len(t, m.logMap, 2)

	m.logClear()
	assert.Empty(t, m.logMap)

	_, _, ok := m.logLookup(0)
	assert.False(t, ok)
}

func TestMappingStoreDataMap(t *testing.T) {
	m := newMappingStore(testNumZones)

	_, ok := m.dataLookup(3)
	require.False(t, ok)

	m.dataSet(3, 12)
	pba, ok := m.dataLookup(3)
	require.True(t, ok)
	assert.Equal(t, uint64(12), pba)
}

func TestMappingStoreZoneState(t *testing.T) {
	m := newMappingStore(testNumZones)
	for z := range m.zoneStates {
		assert.Zero(t, m.zoneState(uint64(z)))
	}

	m.setZoneState(3, transport.ZoneStateFull)
	assert.Equal(t, transport.ZoneStateFull, m.zoneState(3))
}

// TestFreeLogZones checks free_log_zones(0) >= 0 always holds, and the
// formula's arithmetic against hand-computed values.
func TestFreeLogZones(t *testing.T) {
	m := newMappingStore(testNumZones)

	assert.Equal(t, int64(testLogZones), m.freeLogZones(0, testLogZones, testBlocksPerZone))

	m.logZoneEnd = 4 // exactly one log zone consumed
	assert.Equal(t, int64(testLogZones-1), m.freeLogZones(0, testLogZones, testBlocksPerZone))
	assert.Equal(t, int64(testLogZones-2), m.freeLogZones(1, testLogZones, testBlocksPerZone))

	m.logZoneEnd = testLogZones * testBlocksPerZone // log region exactly full
	assert.GreaterOrEqual(t, m.freeLogZones(0, testLogZones, testBlocksPerZone), int64(0))
}

func TestFirstEmptyDataZone(t *testing.T) {
	m := newMappingStore(testNumZones)

	z, ok := m.firstEmptyDataZone(testLogZones, testNumZones)
	require.True(t, ok)
	assert.Equal(t, uint64(testLogZones), z)

	for zone := uint64(testLogZones); zone < testNumZones-1; zone++ {
		m.setZoneState(zone, transport.ZoneStateFull)
	}
	_, ok = m.firstEmptyDataZone(testLogZones, testNumZones)
	assert.False(t, ok, "no empty data zone should be reported once all are FULL")
}

func TestSnapshotsAreIndependentCopies(t *testing.T) {
	m := newMappingStore(testNumZones)
	m.logInsert(0, 1)
	m.dataSet(3, 12)

	logSnap := m.snapshotLogMap()
	dataSnap := m.snapshotDataMap()

	m.logInsert(0, 99)
	m.dataSet(3, 99)

	assert.Equal(t, uint64(1), logSnap[0], "snapshot must not see later mutations")
	assert.Equal(t, uint64(12), dataSnap[3])
}
