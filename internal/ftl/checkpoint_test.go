package ftl

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/znsftl/znsftl/internal/transport"
)

// TestCheckpointRoundTrip checks that restoring a persisted checkpoint
// reproduces the mapping state it was built from, driven through the
// real persist/restore pair rather than the private helpers directly.
func TestCheckpointRoundTrip(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	lz3 := baseLA(3)
	writeBlock(t, d, lz3+0*testLBASize, 0x55)
	writeBlock(t, d, lz3+1*testLBASize, 0x56)
	writeBlock(t, d, lz3+2*testLBASize, 0x57)
	writeBlock(t, d, lz3+3*testLBASize, 0x58)
	writeBlock(t, d, baseLA(4), 0x99) // triggers a merge, so both maps are non-trivial

	ctx := context.Background()
	require.NoError(t, d.persistCheckpoint(ctx))

	d2 := newTestDevice(t, ns)

	d.mu.Lock()
	wantLog := d.mapping.snapshotLogMap()
	wantData := d.mapping.snapshotDataMap()
	wantStates := append([]byte(nil), d.mapping.zoneStates...)
	d.mu.Unlock()

	d2.mu.Lock()
	gotLog := d2.mapping.snapshotLogMap()
	gotData := d2.mapping.snapshotDataMap()
	gotStates := append([]byte(nil), d2.mapping.zoneStates...)
	d2.mu.Unlock()

	require.Equal(t, wantLog, gotLog)
	require.Equal(t, wantData, gotData)
	require.Equal(t, wantStates, gotStates)
}

// TestRestoreCheckpointEmptyZoneStartsFresh covers the "metadata zone
// is EMPTY, start fresh" rule: a brand new namespace has nothing to
// restore and Init must not fail because of it.
func TestRestoreCheckpointEmptyZoneStartsFresh(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Empty(t, d.mapping.logMap)
	require.Empty(t, d.mapping.dataMap)
}

// TestRestoreCheckpointCorruptSizeStartsFresh covers the corruption
// error kind: a declared total_bytes outside [0, B*lba_size] must be
// treated as "no checkpoint" rather than returned to the Init caller
// as a fatal error.
func TestRestoreCheckpointCorruptSizeStartsFresh(t *testing.T) {
	ns := newTestNamespace(t)

	ctx := context.Background()
	metaLBA := (uint64(testNumZones) - 1) * testBlocksPerZone

	bogus := make([]byte, testLBASize)
	binary.LittleEndian.PutUint32(bogus, uint32(testBlocksPerZone)*testLBASize+1)
	_, err := ns.ZoneAppend(ctx, metaLBA, bogus)
	require.NoError(t, err)

	d, err := Init(ctx, ns, Options{LogZones: testLogZones, GCWatermark: testWatermark})
	require.NoError(t, err, "a corrupt checkpoint must not fail Init")

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Empty(t, d.mapping.logMap)
	require.Empty(t, d.mapping.dataMap)
}

func TestApplyCheckpointTruncatedZoneStatesIsCorrupt(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	// Fixed header only (total_bytes + four u32 offsets): too short to
	// even hold this device's zone-state slice, let alone any pairs.
	buf := make([]byte, 4*5)

	err := d.applyCheckpoint(buf)
	require.ErrorIs(t, err, ErrCorruptCheckpoint)
}

func TestZoneStateConstantsMatchReportByte(t *testing.T) {
	// zone_report's high-nibble state byte must round-trip through the
	// mapping store unchanged; this is what seedZoneStates relies on.
	require.Equal(t, byte(0x1), transport.ZoneStateEmpty)
	require.Equal(t, byte(0xE), transport.ZoneStateFull)
}
