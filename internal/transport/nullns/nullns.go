// Package nullns does nothing but correctly. It is useful for
// measuring the overhead of the translation core and the daemon
// protocol in isolation from any real storage.
package nullns

import (
	"context"

	"github.com/znsftl/znsftl/internal/transport"
)

// Namespace acknowledges every operation immediately. Reads return
// zeroed buffers and appends always land at the zone's in-zone offset
// zero, since nothing is actually tracked.
type Namespace struct {
	lbaSize       uint32
	blocksPerZone uint64
	numZones      uint64
	mdts          uint64
}

// Options configures the geometry a null namespace reports, since
// even a namespace with no storage still needs to describe zone
// layout to the translation core.
type Options struct {
	NumZones      uint64
	BlocksPerZone uint64
	LBASize       uint32
	MDTS          uint64
}

func New(o Options) *Namespace {
	return &Namespace{
		lbaSize:       o.LBASize,
		blocksPerZone: o.BlocksPerZone,
		numZones:      o.NumZones,
		mdts:          o.MDTS,
	}
}

func (n *Namespace) LBASize() uint32       { return n.lbaSize }
func (n *Namespace) NumZones() uint64      { return n.numZones }
func (n *Namespace) BlocksPerZone() uint64 { return n.blocksPerZone }
func (n *Namespace) MDTS() uint64          { return n.mdts }

func (n *Namespace) ZoneAppend(ctx context.Context, zoneStartLBA uint64, data []byte) (uint64, error) {
	return zoneStartLBA, nil
}

func (n *Namespace) ReadLBAs(ctx context.Context, startLBA uint64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (n *Namespace) WriteLBAs(ctx context.Context, startLBA uint64, data []byte) error {
	return nil
}

func (n *Namespace) ZoneReset(ctx context.Context, zoneStartLBA uint64, all bool) error {
	return nil
}

func (n *Namespace) ZoneReport(ctx context.Context) ([]transport.ZoneDescriptor, error) {
	report := make([]transport.ZoneDescriptor, n.numZones)
	for z := range report {
		report[z] = transport.ZoneDescriptor{
			ZoneStartLBA: uint64(z) * n.blocksPerZone,
			Capacity:     n.blocksPerZone,
			State:        transport.ZoneStateEmpty,
		}
	}
	return report, nil
}
