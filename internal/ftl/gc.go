package ftl

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/znsftl/znsftl/internal/transport"
)

// gcLoop is the dedicated GC worker: it waits on gcWakeup between
// passes, holds the mutex across the full pass, and checks gcStop
// under the mutex after waking before starting a pass.
func (d *Device) gcLoop(ctx context.Context) {
	defer close(d.gcDone)

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		for !d.gcStop && !d.doGC {
			d.gcWakeup.Wait()
		}

		if d.gcStop {
			return
		}

		if err := d.runGCPass(ctx); err != nil {
			if errors.Is(err, ErrCapacityExhausted) {
				// No empty data zone and no scratch path: retrying
				// would just fail identically forever. Record the
				// error and stop the worker so blocked writers see it
				// instead of waiting on a GC pass that will never
				// succeed.
				log.Error().Err(err).Msg("ftl: GC pass hit capacity exhaustion, stopping")
				d.gcFatal = err
				d.doGC = false
				d.gcSleep.Broadcast()
				return
			}

			log.Error().Err(err).Msg("ftl: GC pass abandoned")
			// The invalid-bit taint on staged log-map entries is left
			// in place; readers still fall through to the data map,
			// and the next write will ask GC to retry.
		}

		d.doGC = false
		d.gcSleep.Broadcast()
	}
}

// zoneSet is the per-logical-zone overlay built from the log map: an
// in-zone offset to the physical log block holding its newest data.
type zoneSet map[uint64]uint64

// runGCPass stages the log map, merges every affected logical zone and
// resets the log region. Must be called with d.mu held; it is held
// for the pass's entire duration.
func (d *Device) runGCPass(ctx context.Context) error {
	zoneSets := d.stageLogMap()

	for lz, set := range zoneSets {
		if err := d.mergeLogicalZone(ctx, lz, set); err != nil {
			return err
		}
	}

	return d.resetLogRegion(ctx)
}

// stageLogMap groups log-map entries by target logical zone and marks
// each entry's invalid bit, so concurrent readers of an address not
// yet re-homed fall through to the (still valid) data map instead of
// racing the merge.
func (d *Device) stageLogMap() map[uint64]zoneSet {
	zoneSets := make(map[uint64]zoneSet)

	for la, pba := range d.mapping.logMap {
		lz := logicalZone(la, d.logZones, d.blocksPerZone, d.lbaSize)
		off := inZoneOffset(la, d.blocksPerZone, d.lbaSize)

		set, ok := zoneSets[lz]
		if !ok {
			set = make(zoneSet)
			zoneSets[lz] = set
		}
		set[off] = pba &^ invalidBit

		d.mapping.logMap[la] = pba | invalidBit
	}

	return zoneSets
}

// mergeLogicalZone rebuilds the full-zone image for one logical zone
// and writes it to its new home: an empty data zone if one exists,
// otherwise the logical zone's own prior data-zone home rewritten in
// place.
func (d *Device) mergeLogicalZone(ctx context.Context, lz uint64, set zoneSet) error {
	zoneBytes := int(d.blocksPerZone) * int(d.lbaSize)
	buffer := make([]byte, zoneBytes)

	target, haveEmpty := d.mapping.firstEmptyDataZone(d.logZones, d.numZones)
	usedLog := !haveEmpty

	var oldZone uint64
	haveOldZone := false

	if base, ok := d.mapping.dataLookup(lz); ok {
		if err := d.readZone(ctx, base, buffer); err != nil {
			return err
		}
		oldZone = base / d.blocksPerZone
		haveOldZone = true
		d.mapping.setZoneState(oldZone, transport.ZoneStateEmpty)
	}

	for off, pba := range set {
		slice := buffer[off*uint64(d.lbaSize) : (off+1)*uint64(d.lbaSize)]
		if err := d.ns.ReadLBAs(ctx, pba, slice); err != nil {
			return err
		}
	}

	if usedLog {
		if !haveOldZone {
			return ErrCapacityExhausted
		}

		oldZoneLBA := oldZone * d.blocksPerZone
		if err := d.ns.ZoneReset(ctx, oldZoneLBA, false); err != nil {
			return err
		}
		if err := d.writeZone(ctx, oldZoneLBA, buffer); err != nil {
			return err
		}
		d.mapping.setZoneState(oldZone, transport.ZoneStateFull)
		// data_map[lz] already points at oldZoneLBA; nothing to update.
		return nil
	}

	targetLBA := target * d.blocksPerZone
	if err := d.writeZone(ctx, targetLBA, buffer); err != nil {
		return err
	}
	d.mapping.dataSet(lz, targetLBA)
	d.mapping.setZoneState(target, transport.ZoneStateFull)

	if haveOldZone {
		if err := d.ns.ZoneReset(ctx, oldZone*d.blocksPerZone, false); err != nil {
			return err
		}
	}

	return nil
}

// readZone and writeZone chunk a full-zone transfer by MDTS.
func (d *Device) readZone(ctx context.Context, startLBA uint64, buffer []byte) error {
	return transport.ChunkTransfer(startLBA, buffer, d.lbaSize, d.ns.MDTS(), func(lba uint64, chunk []byte) error {
		return d.ns.ReadLBAs(ctx, lba, chunk)
	})
}

func (d *Device) writeZone(ctx context.Context, startLBA uint64, buffer []byte) error {
	return transport.ChunkTransfer(startLBA, buffer, d.lbaSize, d.ns.MDTS(), func(lba uint64, chunk []byte) error {
		return d.ns.WriteLBAs(ctx, lba, chunk)
	})
}

// resetLogRegion resets every log zone, rewinds log_zone_end to
// log_zone_start, and clears the log map.
func (d *Device) resetLogRegion(ctx context.Context) error {
	for z := uint64(0); z < d.logZones; z++ {
		if err := d.ns.ZoneReset(ctx, z*d.blocksPerZone, false); err != nil {
			return err
		}
	}

	d.mapping.logZoneEnd = d.mapping.logZoneStart
	d.mapping.logClear()

	return nil
}
