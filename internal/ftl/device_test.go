package ftl

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/znsftl/znsftl/internal/transport"
	"github.com/znsftl/znsftl/internal/transport/simulated"
)

// Geometry used throughout this file: L = 3, B = 4 blocks,
// lba_size = 4096, Z = 8, watermark = 1.
const (
	testLBASize       = 4096
	testBlocksPerZone = 4
	testNumZones      = 8
	testLogZones      = 3
	testWatermark     = 1
	testZoneBytes     = testBlocksPerZone * testLBASize
)

func newTestNamespace(t *testing.T) *simulated.Namespace {
	t.Helper()

	ns, err := simulated.New(simulated.Options{
		NumZones:      testNumZones,
		BlocksPerZone: testBlocksPerZone,
		LBASize:       testLBASize,
		MDTS:          testBlocksPerZone * testLBASize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ns.Close() })

	return ns
}

func newTestDevice(t *testing.T, ns transport.Namespace) *Device {
	t.Helper()

	ctx := context.Background()
	d, err := Init(ctx, ns, Options{
		LogZones:    testLogZones,
		GCWatermark: testWatermark,
	})
	require.NoError(t, err)

	return d
}

func block(val byte) []byte {
	buf := make([]byte, testLBASize)
	for i := range buf {
		buf[i] = val
	}
	return buf
}

// baseLA returns the first logical address of data-zone slot lz.
func baseLA(lz uint64) uint64 {
	return (lz - testLogZones) * testZoneBytes
}

func writeBlock(t *testing.T, d *Device, la uint64, val byte) {
	t.Helper()
	require.NoError(t, d.Write(context.Background(), la, block(val), testLBASize))
}

func readBlock(t *testing.T, d *Device, la uint64) []byte {
	t.Helper()
	buf := make([]byte, testLBASize)
	require.NoError(t, d.Read(context.Background(), la, buf, testLBASize))
	return buf
}

// TestSimpleOverwrite is S1: the second write of the same LA shadows
// the first.
func TestSimpleOverwrite(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	writeBlock(t, d, 0, 0xAA)
	writeBlock(t, d, 0, 0xBB)

	require.Equal(t, block(0xBB), readBlock(t, d, 0))
}

// TestLogShadowsData is S2: after a GC pass merges a logical zone into
// its data-zone home, a fresh write to one of its addresses must be
// visible on read even though the data map still names the
// now-shadowed zone.
func TestLogShadowsData(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	lz3 := baseLA(3)

	// Four single-block writes fill the first log zone exactly; the
	// fifth write (to a different logical zone) crosses the watermark
	// and triggers a GC pass that merges LZ 3's four blocks before its
	// own append proceeds.
	writeBlock(t, d, lz3+0*testLBASize, 1)
	writeBlock(t, d, lz3+1*testLBASize, 2)
	writeBlock(t, d, lz3+2*testLBASize, 3)
	writeBlock(t, d, lz3+3*testLBASize, 4)
	writeBlock(t, d, baseLA(4), 9) // triggers the GC pass above

	d.mu.Lock()
	_, haveOld := d.mapping.dataLookup(3)
	d.mu.Unlock()
	require.True(t, haveOld, "LZ 3 should have been merged to a data zone")

	// Overwrite one of the now-merged addresses without forcing
	// another GC pass.
	writeBlock(t, d, lz3+0*testLBASize, 0xFF)

	require.Equal(t, block(0xFF), readBlock(t, d, lz3+0*testLBASize))
	require.Equal(t, block(2), readBlock(t, d, lz3+1*testLBASize))
}

// TestSparseRead is S3: an address never written returns zeros.
func TestSparseRead(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	writeBlock(t, d, 0, 0xAA)

	zero := readBlock(t, d, 8*testLBASize)
	require.True(t, bytes.Equal(zero, make([]byte, testLBASize)))
}

// TestFullZoneMerge is S4: writing all B blocks of one logical zone
// across several append calls, then forcing GC, leaves the data map
// pointing at a FULL zone holding every written value.
func TestFullZoneMerge(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	lz3 := baseLA(3)
	writeBlock(t, d, lz3+0*testLBASize, 0x10)
	writeBlock(t, d, lz3+1*testLBASize, 0x11)
	writeBlock(t, d, lz3+2*testLBASize, 0x12)
	writeBlock(t, d, lz3+3*testLBASize, 0x13)
	writeBlock(t, d, baseLA(4), 0x99) // triggers the merge

	d.mu.Lock()
	target, ok := d.mapping.dataLookup(3)
	var state byte
	if ok {
		state = d.mapping.zoneState(target / testBlocksPerZone)
	}
	d.mu.Unlock()

	require.True(t, ok)
	require.Zero(t, target%testBlocksPerZone, "data-map entry must be zone-aligned")
	require.Equal(t, transport.ZoneStateFull, state)

	require.Equal(t, block(0x10), readBlock(t, d, lz3+0*testLBASize))
	require.Equal(t, block(0x11), readBlock(t, d, lz3+1*testLBASize))
	require.Equal(t, block(0x12), readBlock(t, d, lz3+2*testLBASize))
	require.Equal(t, block(0x13), readBlock(t, d, lz3+3*testLBASize))
}

// TestMetadataRoundTrip is S5: deinit after a merge, then re-init on
// the same namespace, must restore every written byte and the
// zone-state vector.
func TestMetadataRoundTrip(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	lz3 := baseLA(3)
	writeBlock(t, d, lz3+0*testLBASize, 0x20)
	writeBlock(t, d, lz3+1*testLBASize, 0x21)
	writeBlock(t, d, lz3+2*testLBASize, 0x22)
	writeBlock(t, d, lz3+3*testLBASize, 0x23)
	writeBlock(t, d, baseLA(4), 0xAB)

	ctx := context.Background()
	require.NoError(t, d.Deinit(ctx))

	d2 := newTestDevice(t, ns)

	require.Equal(t, block(0x20), readBlock(t, d2, lz3+0*testLBASize))
	require.Equal(t, block(0x21), readBlock(t, d2, lz3+1*testLBASize))
	require.Equal(t, block(0x22), readBlock(t, d2, lz3+2*testLBASize))
	require.Equal(t, block(0x23), readBlock(t, d2, lz3+3*testLBASize))
	require.Equal(t, block(0xAB), readBlock(t, d2, baseLA(4)))

	d.mu.Lock()
	wantStates := append([]byte(nil), d.mapping.zoneStates...)
	d.mu.Unlock()

	d2.mu.Lock()
	gotStates := append([]byte(nil), d2.mapping.zoneStates...)
	d2.mu.Unlock()

	require.Equal(t, wantStates, gotStates)
}

// forceGC drives one GC pass directly rather than through the
// watermark, so a test can control exactly which log entries a pass
// sees without reasoning about write-count phase shifts.
func forceGC(t *testing.T, d *Device) {
	t.Helper()
	d.mu.Lock()
	err := d.runGCPass(context.Background())
	d.mu.Unlock()
	require.NoError(t, err)
}

func fillZone(t *testing.T, d *Device, lz uint64, vals [4]byte) {
	t.Helper()
	b := baseLA(lz)
	for off, val := range vals {
		writeBlock(t, d, b+uint64(off)*testLBASize, val)
	}
}

// TestGCWithNoEmptyDataZone is S6: once every data zone is FULL, a
// further GC pass for a logical zone that already has a home rewrites
// that zone in place instead of failing.
func TestGCWithNoEmptyDataZone(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	// Fill logical zones 3, 4, 5 and 6 — exactly the four data zones —
	// one GC pass at a time, so that all data zones end up FULL.
	fillZone(t, d, 3, [4]byte{0x30, 0x30, 0x30, 0x30})
	forceGC(t, d)
	fillZone(t, d, 4, [4]byte{0x40, 0x40, 0x40, 0x40})
	forceGC(t, d)
	fillZone(t, d, 5, [4]byte{0x50, 0x50, 0x50, 0x50})
	forceGC(t, d)
	fillZone(t, d, 6, [4]byte{0x60, 0x60, 0x60, 0x60})
	forceGC(t, d)

	d.mu.Lock()
	allFull := true
	for z := uint64(testLogZones); z < testNumZones-1; z++ {
		if d.mapping.zoneState(z) != transport.ZoneStateFull {
			allFull = false
		}
	}
	d.mu.Unlock()
	require.True(t, allFull, "every data zone should be FULL before the scratch-path GC")

	// LZ 3 already has a home. Rewrite all four of its blocks with no
	// empty data zone available: this exercises the "rewrite old_zone
	// in place" path instead of ErrCapacityExhausted.
	fillZone(t, d, 3, [4]byte{0x71, 0x72, 0x73, 0x74})
	forceGC(t, d)

	lz3 := baseLA(3)
	require.Equal(t, block(0x71), readBlock(t, d, lz3+0*testLBASize))
	require.Equal(t, block(0x72), readBlock(t, d, lz3+1*testLBASize))
	require.Equal(t, block(0x73), readBlock(t, d, lz3+2*testLBASize))
	require.Equal(t, block(0x74), readBlock(t, d, lz3+3*testLBASize))

	// The device must remain writable afterwards.
	writeBlock(t, d, 0, 0x99)
	require.Equal(t, block(0x99), readBlock(t, d, 0))
}

// TestGCFatalCapacityExhaustedUnblocksWriters covers the case where a
// GC pass cannot find either an empty data zone or a prior home to
// rewrite in place. Real capacity accounting keeps this from happening
// in practice (logical and data zones are assigned 1:1 here), so the
// condition is fabricated directly on the mapping store: once
// runGCPass returns ErrCapacityExhausted, the GC worker must stop and
// every writer waiting on the watermark must see the error instead of
// blocking forever.
func TestGCFatalCapacityExhaustedUnblocksWriters(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	d.mu.Lock()
	for z := uint64(testLogZones); z < testNumZones-1; z++ {
		d.mapping.setZoneState(z, transport.ZoneStateFull)
	}
	d.mapping.logInsert(baseLA(3), 0) // LZ 3 has no data-map entry and no empty zone to land in
	d.mapping.logZoneEnd = testLogZones * testBlocksPerZone // log region full, so Write below must wait on GC
	d.doGC = true
	d.gcWakeup.Signal()
	d.mu.Unlock()

	select {
	case <-d.gcDone:
	case <-time.After(2 * time.Second):
		t.Fatal("GC worker did not stop after a capacity-exhausted pass")
	}

	err := d.Write(context.Background(), 0, block(0x01), testLBASize)
	require.ErrorIs(t, err, ErrCapacityExhausted)
}

// TestWriteRejectsZoneSpanningSize covers a write that is rejected
// rather than silently straddled across two zones.
func TestWriteRejectsZoneSpanningSize(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	buf := make([]byte, (testBlocksPerZone+1)*testLBASize)
	err := d.Write(context.Background(), 0, buf, uint64(len(buf)))
	require.ErrorIs(t, err, ErrSpansZone)
}

// TestWriteRejectsMisalignment covers the alignment error kind.
func TestWriteRejectsMisalignment(t *testing.T) {
	ns := newTestNamespace(t)
	d := newTestDevice(t, ns)

	err := d.Write(context.Background(), 1, block(0), testLBASize)
	require.ErrorIs(t, err, ErrMisaligned)

	err = d.Write(context.Background(), 0, block(0), testLBASize+1)
	require.ErrorIs(t, err, ErrMisaligned)
}
