// Package simulated is a dependency-free ZNS namespace backed by a
// regular file (or an anonymous temp file removed on Close). It
// enforces the same sequential-write / explicit-reset zone discipline a
// real ZNS device would, so a core bug that writes out of turn surfaces
// as an error here instead of silently corrupting data.
package simulated

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/znsftl/znsftl/internal/transport"
)

// Options configures a simulated namespace.
type Options struct {
	// Path to the backing file. Empty means an anonymous temp file that
	// is removed when the namespace is closed.
	Path          string
	NumZones      uint64
	BlocksPerZone uint64
	LBASize       uint32
	MDTS          uint64
}

// Namespace is a file-backed ZNS namespace simulator.
type Namespace struct {
	mu sync.Mutex

	f             *os.File
	removeOnClose bool

	lbaSize       uint32
	blocksPerZone uint64
	numZones      uint64
	mdts          uint64

	writePointers []uint64 // per zone, in blocks from the zone's start
	states        []byte
}

// New opens (or creates) the backing file and returns a ready
// namespace. Every zone starts EMPTY with a zero write pointer. An
// existing backing file is resized to the namespace size and its
// contents are kept, but the simulator never infers zone state from
// file contents — a fresh process still needs ZoneReset or a restored
// checkpoint to know what's live.
func New(o Options) (*Namespace, error) {
	if o.NumZones == 0 || o.BlocksPerZone == 0 || o.LBASize == 0 {
		return nil, fmt.Errorf("simulated: NumZones, BlocksPerZone and LBASize must be non-zero")
	}

	var (
		f             *os.File
		err           error
		removeOnClose bool
	)

	if o.Path == "" {
		f, err = os.CreateTemp("", "znsftl-simulated-*.img")
		removeOnClose = true
	} else {
		f, err = os.OpenFile(o.Path, os.O_RDWR|os.O_CREATE, 0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("simulated: open backing file: %w", err)
	}

	size := int64(o.NumZones) * int64(o.BlocksPerZone) * int64(o.LBASize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("simulated: truncate backing file: %w", err)
	}

	n := &Namespace{
		f:             f,
		removeOnClose: removeOnClose,
		lbaSize:       o.LBASize,
		blocksPerZone: o.BlocksPerZone,
		numZones:      o.NumZones,
		mdts:          o.MDTS,
		writePointers: make([]uint64, o.NumZones),
		states:        make([]byte, o.NumZones),
	}
	for i := range n.states {
		n.states[i] = transport.ZoneStateEmpty
	}

	return n, nil
}

// Close releases the backing file, removing it if it was anonymous.
func (n *Namespace) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := n.f.Name()
	err := n.f.Close()
	if n.removeOnClose {
		os.Remove(path)
	}
	return err
}

func (n *Namespace) LBASize() uint32       { return n.lbaSize }
func (n *Namespace) NumZones() uint64      { return n.numZones }
func (n *Namespace) BlocksPerZone() uint64 { return n.blocksPerZone }
func (n *Namespace) MDTS() uint64          { return n.mdts }

func (n *Namespace) zoneOf(lba uint64) uint64 {
	return lba / n.blocksPerZone
}

// ZoneAppend writes data starting at the zone's current write
// pointer. zoneStartLBA must be the zone's first LBA; a non-aligned
// value is rejected (per the ZNS append contract, the device — not the
// caller — picks the landing LBA).
func (n *Namespace) ZoneAppend(ctx context.Context, zoneStartLBA uint64, data []byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data)%int(n.lbaSize) != 0 {
		return 0, fmt.Errorf("simulated: append size %d not a multiple of LBA size %d", len(data), n.lbaSize)
	}

	zone := n.zoneOf(zoneStartLBA)
	if zoneStartLBA%n.blocksPerZone != 0 {
		return 0, fmt.Errorf("simulated: zone append target 0x%x is not zone-aligned", zoneStartLBA)
	}

	blocks := uint64(len(data)) / uint64(n.lbaSize)
	wp := n.writePointers[zone]
	if wp+blocks > n.blocksPerZone {
		return 0, fmt.Errorf("simulated: zone %d append of %d blocks overruns capacity at wp %d", zone, blocks, wp)
	}

	resLBA := zoneStartLBA + wp
	if err := n.writeAt(resLBA, data); err != nil {
		return 0, err
	}

	n.writePointers[zone] = wp + blocks
	if n.writePointers[zone] == n.blocksPerZone {
		n.states[zone] = transport.ZoneStateFull
	} else {
		n.states[zone] = transport.ZoneStateImplicitOpen
	}

	return resLBA, nil
}

// WriteLBAs performs a sequential write honoring the same
// write-pointer discipline as ZoneAppend, but at a caller-chosen LBA
// that must equal the zone's current write pointer.
func (n *Namespace) WriteLBAs(ctx context.Context, startLBA uint64, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data)%int(n.lbaSize) != 0 {
		return fmt.Errorf("simulated: write size %d not a multiple of LBA size %d", len(data), n.lbaSize)
	}

	zone := n.zoneOf(startLBA)
	offset := startLBA - zone*n.blocksPerZone
	if offset != n.writePointers[zone] {
		return fmt.Errorf("simulated: zone %d write at offset %d does not match write pointer %d", zone, offset, n.writePointers[zone])
	}

	blocks := uint64(len(data)) / uint64(n.lbaSize)
	if offset+blocks > n.blocksPerZone {
		return fmt.Errorf("simulated: zone %d write of %d blocks overruns capacity at offset %d", zone, blocks, offset)
	}

	if err := n.writeAt(startLBA, data); err != nil {
		return err
	}

	n.writePointers[zone] = offset + blocks
	if n.writePointers[zone] == n.blocksPerZone {
		n.states[zone] = transport.ZoneStateFull
	} else {
		n.states[zone] = transport.ZoneStateImplicitOpen
	}

	return nil
}

// ReadLBAs is a plain random read; ZNS devices place no sequencing
// constraint on reads.
func (n *Namespace) ReadLBAs(ctx context.Context, startLBA uint64, buf []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(buf)%int(n.lbaSize) != 0 {
		return fmt.Errorf("simulated: read size %d not a multiple of LBA size %d", len(buf), n.lbaSize)
	}

	_, err := n.f.ReadAt(buf, int64(startLBA)*int64(n.lbaSize))
	return err
}

func (n *Namespace) writeAt(startLBA uint64, data []byte) error {
	_, err := n.f.WriteAt(data, int64(startLBA)*int64(n.lbaSize))
	return err
}

// ZoneReset empties one zone, or every zone when all is true.
func (n *Namespace) ZoneReset(ctx context.Context, zoneStartLBA uint64, all bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if all {
		for z := range n.states {
			n.writePointers[z] = 0
			n.states[z] = transport.ZoneStateEmpty
		}
		return nil
	}

	zone := n.zoneOf(zoneStartLBA)
	if zoneStartLBA%n.blocksPerZone != 0 {
		return fmt.Errorf("simulated: zone reset target 0x%x is not zone-aligned", zoneStartLBA)
	}

	n.writePointers[zone] = 0
	n.states[zone] = transport.ZoneStateEmpty

	return nil
}

// ZoneReport enumerates every zone's capacity, write pointer and
// state.
func (n *Namespace) ZoneReport(ctx context.Context) ([]transport.ZoneDescriptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	report := make([]transport.ZoneDescriptor, n.numZones)
	for z := range report {
		report[z] = transport.ZoneDescriptor{
			ZoneStartLBA: uint64(z) * n.blocksPerZone,
			Capacity:     n.blocksPerZone,
			WritePointer: uint64(z)*n.blocksPerZone + n.writePointers[z],
			State:        n.states[z],
		}
	}

	return report, nil
}
