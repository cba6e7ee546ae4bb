package ftl

import "github.com/znsftl/znsftl/internal/transport"

// invalidBit is ORed into a log-map value by a GC pass to mean
// "staged for merge, fall through to the data map" without erasing
// the entry until its new home is durable.
const invalidBit = uint64(1) << 63

// mappingStore owns the log map, the data map and the zone-state
// vector. It has no lock of its own: every access happens while the
// owning Device holds its GC mutex.
type mappingStore struct {
	logMap  map[uint64]uint64 // LA -> PBA, high bit set while GC is staging it
	dataMap map[uint64]uint64 // LZ -> zone-aligned PBA of the merged image

	zoneStates []byte // one entry per zone; only data-zone entries are seeded and checkpointed

	logZoneStart uint64 // always 0: log zones are fully reset at the end of every GC pass
	logZoneEnd   uint64 // next free LBA within the log region, relative to logZoneStart
}

func newMappingStore(numZones uint64) *mappingStore {
	return &mappingStore{
		logMap:     make(map[uint64]uint64),
		dataMap:    make(map[uint64]uint64),
		zoneStates: make([]byte, numZones),
	}
}

// logLookup returns the masked PBA for la and whether the invalid bit
// is set. ok is false when la has never been written or its entry was
// already cleared by GC.
func (m *mappingStore) logLookup(la uint64) (pba uint64, invalid bool, ok bool) {
	v, ok := m.logMap[la]
	if !ok {
		return 0, false, false
	}
	return v &^ invalidBit, v&invalidBit != 0, true
}

func (m *mappingStore) dataLookup(lz uint64) (pba uint64, ok bool) {
	pba, ok = m.dataMap[lz]
	return
}

func (m *mappingStore) logInsert(la, pba uint64) {
	m.logMap[la] = pba
}

func (m *mappingStore) logClear() {
	m.logMap = make(map[uint64]uint64)
}

func (m *mappingStore) dataSet(lz, pba uint64) {
	m.dataMap[lz] = pba
}

func (m *mappingStore) zoneState(zone uint64) byte {
	return m.zoneStates[zone]
}

func (m *mappingStore) setZoneState(zone uint64, s byte) {
	m.zoneStates[zone] = s
}

// freeLogZones returns how many log zones would remain free if
// pendingBlocks more were appended:
// L - ceil((log_zone_end - log_zone_start + pending_blocks) / B).
// logZoneStart is always 0 (see the field comment above), so this
// simplifies to L - ceil((log_zone_end + pending_blocks) / B).
func (m *mappingStore) freeLogZones(pendingBlocks, logZones, blocksPerZone uint64) int64 {
	used := m.logZoneEnd - m.logZoneStart + pendingBlocks
	usedZones := (used + blocksPerZone - 1) / blocksPerZone
	return int64(logZones) - int64(usedZones)
}

// snapshotLogMap and snapshotDataMap return independent copies for
// the metadata checkpoint to serialize without holding the Device
// mutex across I/O.
func (m *mappingStore) snapshotLogMap() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(m.logMap))
	for k, v := range m.logMap {
		out[k] = v
	}
	return out
}

func (m *mappingStore) snapshotDataMap() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(m.dataMap))
	for k, v := range m.dataMap {
		out[k] = v
	}
	return out
}

// firstEmptyDataZone returns the first data zone (in [logZones, numZones-1))
// whose state is EMPTY, or ok=false if every data zone is FULL. A zero
// state byte (a zone not yet seeded from a zone report) counts as EMPTY.
func (m *mappingStore) firstEmptyDataZone(logZones, numZones uint64) (zone uint64, ok bool) {
	for z := logZones; z < numZones-1; z++ {
		if s := m.zoneStates[z]; s == transport.ZoneStateEmpty || s == 0 {
			return z, true
		}
	}
	return 0, false
}
