// Package nbdzns is a ZNS namespace that talks to a remote NBD export
// over a Unix socket via libguestfs.org/libnbd. Plain NBD carries no
// zone metadata, so the zone write-pointer/state bookkeeping that a
// real ZNS controller would track internally is kept client-side here,
// and every transfer above MDTS is chunked into successive NVMe-sized
// commands. Useful against a qemu-emulated zoned device, or any other
// NBD server, when no real ZNS hardware is available.
package nbdzns

import (
	"context"
	"fmt"
	"sync"

	"libguestfs.org/libnbd"

	"github.com/znsftl/znsftl/internal/transport"
)

// Options configures the remote export and the zone geometry that the
// export is assumed to have, since NBD itself does not describe zones.
type Options struct {
	UnixSocket    string
	NumZones      uint64
	BlocksPerZone uint64
	LBASize       uint32
	MDTS          uint64
}

// Namespace layers ZNS zone semantics over a plain NBD block export.
type Namespace struct {
	handle *libnbd.Libnbd

	mu sync.Mutex

	lbaSize       uint32
	blocksPerZone uint64
	numZones      uint64
	mdts          uint64

	writePointers []uint64
	states        []byte
}

// New connects to the export over the given Unix socket.
func New(o Options) (*Namespace, error) {
	handle, err := libnbd.Create()
	if err != nil {
		return nil, fmt.Errorf("nbdzns: create handle: %w", err)
	}

	if err := handle.ConnectUnix(o.UnixSocket); err != nil {
		handle.Close()
		return nil, fmt.Errorf("nbdzns: connect %s: %w", o.UnixSocket, err)
	}

	n := &Namespace{
		handle:        handle,
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

// Close disconnects from the export.
func (n *Namespace) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.handle.Close()
}

func (n *Namespace) LBASize() uint32       { return n.lbaSize }
func (n *Namespace) NumZones() uint64      { return n.numZones }
func (n *Namespace) BlocksPerZone() uint64 { return n.blocksPerZone }
func (n *Namespace) MDTS() uint64          { return n.mdts }

func (n *Namespace) zoneOf(lba uint64) uint64 {
	return lba / n.blocksPerZone
}

func (n *Namespace) ZoneAppend(ctx context.Context, zoneStartLBA uint64, data []byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data)%int(n.lbaSize) != 0 {
		return 0, fmt.Errorf("nbdzns: append size %d not a multiple of LBA size %d", len(data), n.lbaSize)
	}

	zone := n.zoneOf(zoneStartLBA)
	blocks := uint64(len(data)) / uint64(n.lbaSize)
	wp := n.writePointers[zone]
	if wp+blocks > n.blocksPerZone {
		return 0, fmt.Errorf("nbdzns: zone %d append of %d blocks overruns capacity at wp %d", zone, blocks, wp)
	}

	resLBA := zoneStartLBA + wp
	if err := n.transferOut(resLBA, data); err != nil {
		return 0, err
	}

	n.writePointers[zone] = wp + blocks
	n.advanceState(zone)

	return resLBA, nil
}

func (n *Namespace) WriteLBAs(ctx context.Context, startLBA uint64, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data)%int(n.lbaSize) != 0 {
		return fmt.Errorf("nbdzns: write size %d not a multiple of LBA size %d", len(data), n.lbaSize)
	}

	zone := n.zoneOf(startLBA)
	offset := startLBA - zone*n.blocksPerZone
	if offset != n.writePointers[zone] {
		return fmt.Errorf("nbdzns: zone %d write at offset %d does not match write pointer %d", zone, offset, n.writePointers[zone])
	}

	blocks := uint64(len(data)) / uint64(n.lbaSize)
	if offset+blocks > n.blocksPerZone {
		return fmt.Errorf("nbdzns: zone %d write of %d blocks overruns capacity at offset %d", zone, blocks, offset)
	}

	if err := n.transferOut(startLBA, data); err != nil {
		return err
	}

	n.writePointers[zone] = offset + blocks
	n.advanceState(zone)

	return nil
}

func (n *Namespace) advanceState(zone uint64) {
	if n.writePointers[zone] == n.blocksPerZone {
		n.states[zone] = transport.ZoneStateFull
	} else {
		n.states[zone] = transport.ZoneStateImplicitOpen
	}
}

func (n *Namespace) transferOut(startLBA uint64, data []byte) error {
	return transport.ChunkTransfer(startLBA, data, n.lbaSize, n.mdts, func(lba uint64, chunk []byte) error {
		return n.handle.Pwrite(chunk, lba*uint64(n.lbaSize), nil)
	})
}

func (n *Namespace) ReadLBAs(ctx context.Context, startLBA uint64, buf []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(buf)%int(n.lbaSize) != 0 {
		return fmt.Errorf("nbdzns: read size %d not a multiple of LBA size %d", len(buf), n.lbaSize)
	}

	return transport.ChunkTransfer(startLBA, buf, n.lbaSize, n.mdts, func(lba uint64, chunk []byte) error {
		return n.handle.Pread(chunk, lba*uint64(n.lbaSize), nil)
	})
}

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
	n.writePointers[zone] = 0
	n.states[zone] = transport.ZoneStateEmpty

	return nil
}

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
