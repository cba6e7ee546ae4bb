package ftl

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/znsftl/znsftl/internal/transport"
)

// Options configures a Device at Init time.
type Options struct {
	// LogZones is L: the number of zones reserved for the log region.
	LogZones uint64

	// GCWatermark is the number of free log zones at or below which a
	// write blocks until GC has run.
	GCWatermark uint64

	// ForceReset resets every zone and starts with empty maps,
	// skipping checkpoint restoration.
	ForceReset bool

	// SkipCheckpoint disables both restoring and persisting the
	// metadata checkpoint, useful for raw-performance measurement.
	SkipCheckpoint bool
}

// Device is the translation core: the log map/data map/zone-state
// vector of mappingStore, the write and read paths, and the background
// GC worker, all serialized through a single mutex with two condition
// variables, one to wake GC and one to wake blocked writers once a
// pass finishes.
type Device struct {
	ns transport.Namespace

	lbaSize       uint32
	blocksPerZone uint64
	numZones      uint64 // Z
	logZones      uint64 // L
	watermark     uint64

	capacityBytes uint64

	skipCheckpoint bool

	mu       sync.Mutex
	gcWakeup *sync.Cond
	gcSleep  *sync.Cond
	doGC     bool
	gcStop   bool
	gcDone   chan struct{}
	gcFatal  error // set once GC hits ErrCapacityExhausted; the worker has stopped

	mapping *mappingStore
}

// Init opens the device: queries namespace geometry, optionally
// force-resets every zone, seeds the zone-state vector from a
// zone_report, spawns the GC worker, and restores the metadata
// checkpoint (which may overwrite zone_states, log_zone_end and both
// maps).
func Init(ctx context.Context, ns transport.Namespace, o Options) (*Device, error) {
	if o.LogZones == 0 {
		return nil, fmt.Errorf("ftl: log_zones must be at least 1")
	}

	d := &Device{
		ns:             ns,
		lbaSize:        ns.LBASize(),
		blocksPerZone:  ns.BlocksPerZone(),
		numZones:       ns.NumZones(),
		logZones:       o.LogZones,
		watermark:      o.GCWatermark,
		skipCheckpoint: o.SkipCheckpoint,
		gcDone:         make(chan struct{}),
	}
	d.gcWakeup = sync.NewCond(&d.mu)
	d.gcSleep = sync.NewCond(&d.mu)
	d.mapping = newMappingStore(d.numZones)

	if d.numZones < d.logZones+2 {
		return nil, fmt.Errorf("ftl: need at least one data zone and one metadata zone beyond the %d log zones", d.logZones)
	}

	d.capacityBytes = (d.numZones - d.logZones - 1) * d.blocksPerZone * uint64(d.lbaSize)

	if o.ForceReset {
		if err := ns.ZoneReset(ctx, 0, true); err != nil {
			return nil, fmt.Errorf("ftl: force reset: %w", err)
		}
		d.mapping.logZoneStart = 0
		d.mapping.logZoneEnd = 0
	}

	if err := d.seedZoneStates(ctx); err != nil {
		return nil, fmt.Errorf("ftl: seed zone states: %w", err)
	}

	go d.gcLoop(ctx)

	if !o.ForceReset && !d.skipCheckpoint {
		if err := d.restoreCheckpoint(ctx); err != nil {
			log.Info().Err(err).Msg("ftl: no usable checkpoint, starting fresh")
		}
	}

	return d, nil
}

// seedZoneStates reports every zone and records the state of each
// data zone. Log zones track write-pointer state implicitly and the
// metadata zone is not tracked at all.
func (d *Device) seedZoneStates(ctx context.Context) error {
	report, err := d.ns.ZoneReport(ctx)
	if err != nil {
		return err
	}

	for z := d.logZones; z < d.numZones-1; z++ {
		if int(z) < len(report) {
			d.mapping.setZoneState(z, report[z].State)
		}
	}

	return nil
}

// CapacityBytes returns capacity_bytes = (Z - L - 1) * B * lba_size.
func (d *Device) CapacityBytes() uint64 { return d.capacityBytes }

// LBASize returns the namespace's LBA size in bytes.
func (d *Device) LBASize() uint32 { return d.lbaSize }

// Deinit stops the GC worker, persists the metadata checkpoint and
// releases resources.
func (d *Device) Deinit(ctx context.Context) error {
	d.mu.Lock()
	d.gcStop = true
	d.gcWakeup.Signal()
	d.mu.Unlock()

	<-d.gcDone

	if d.skipCheckpoint {
		return nil
	}

	return d.persistCheckpoint(ctx)
}

// Write appends size bytes at logical address la. size must be a
// multiple of the LBA size, la must be LBA-aligned, and the write must
// fit within a single zone: a zone-spanning write is rejected rather
// than silently straddled across two.
func (d *Device) Write(ctx context.Context, la uint64, buf []byte, size uint64) error {
	if size%uint64(d.lbaSize) != 0 || la%uint64(d.lbaSize) != 0 {
		return fmt.Errorf("ftl: write at 0x%x size %d: %w", la, size, ErrMisaligned)
	}
	if uint64(len(buf)) < size {
		return fmt.Errorf("ftl: write buffer shorter than size %d", size)
	}

	n := size / uint64(d.lbaSize)
	if n > d.blocksPerZone {
		return fmt.Errorf("ftl: write of %d blocks: %w", n, ErrSpansZone)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for d.mapping.freeLogZones(n, d.logZones, d.blocksPerZone) <= int64(d.watermark) {
		if d.gcFatal != nil {
			return fmt.Errorf("ftl: write at 0x%x: %w", la, d.gcFatal)
		}

		d.doGC = true
		d.gcWakeup.Signal()
		d.gcSleep.Wait()
	}

	logZoneEndBefore := d.mapping.logZoneEnd
	zoneNo := logZoneEndBefore / d.blocksPerZone
	offsetInZone := logZoneEndBefore % d.blocksPerZone
	if offsetInZone+n > d.blocksPerZone {
		return fmt.Errorf("ftl: write of %d blocks at log offset %d: %w", n, offsetInZone, ErrSpansZone)
	}

	resLBA, err := d.ns.ZoneAppend(ctx, zoneNo*d.blocksPerZone, buf[:size])
	if err != nil {
		return fmt.Errorf("ftl: zone append: %w", err)
	}

	d.mapping.logZoneEnd = resLBA + n

	for i := uint64(0); i < n; i++ {
		d.mapping.logInsert(la+i*uint64(d.lbaSize), resLBA+i)
	}

	return nil
}

// Read resolves each LBA-sized slice via the log map first, then the
// data map, zero-filling anything unmapped.
func (d *Device) Read(ctx context.Context, la uint64, buf []byte, size uint64) error {
	if size%uint64(d.lbaSize) != 0 || la%uint64(d.lbaSize) != 0 {
		return fmt.Errorf("ftl: read at 0x%x size %d: %w", la, size, ErrMisaligned)
	}
	if uint64(len(buf)) < size {
		return fmt.Errorf("ftl: read buffer shorter than size %d", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := size / uint64(d.lbaSize)
	for i := uint64(0); i < n; i++ {
		laPrime := la + i*uint64(d.lbaSize)
		slice := buf[i*uint64(d.lbaSize) : (i+1)*uint64(d.lbaSize)]

		pba, found, err := d.resolve(laPrime)
		if err != nil {
			return err
		}
		if !found {
			for j := range slice {
				slice[j] = 0
			}
			continue
		}

		if err := d.ns.ReadLBAs(ctx, pba, slice); err != nil {
			return fmt.Errorf("ftl: read lba 0x%x: %w", pba, err)
		}
	}

	return nil
}

// resolve returns the physical source of la: the log map if a live
// (non-invalid) entry exists, else the data map, else found=false.
// Must be called with d.mu held.
func (d *Device) resolve(la uint64) (pba uint64, found bool, err error) {
	if pba, invalid, ok := d.mapping.logLookup(la); ok && !invalid {
		return pba, true, nil
	}

	lz := logicalZone(la, d.logZones, d.blocksPerZone, d.lbaSize)
	off := inZoneOffset(la, d.blocksPerZone, d.lbaSize)

	if base, ok := d.mapping.dataLookup(lz); ok {
		return base + off, true, nil
	}

	return 0, false, nil
}
