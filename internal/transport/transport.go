// Package transport declares the ZNS command transport collaborator
// that the translation core (internal/ftl) depends on: zone_append,
// read_lbas, write_lbas, zone_reset and zone_report, plus the MDTS
// chunking helper used by the GC engine and by the nbdzns and s3zns
// backends.
package transport

import (
	"context"
	"fmt"
)

// NVMe ZNS zone-state codes (the high nibble of the zone descriptor's
// zs field, per the NVMe ZNS command set). Only EMPTY and FULL are used
// by the core; the rest are preserved for a faithful zone_report.
const (
	ZoneStateEmpty       byte = 0x1
	ZoneStateImplicitOpen byte = 0x2
	ZoneStateExplicitOpen byte = 0x3
	ZoneStateClosed      byte = 0x4
	ZoneStateFull        byte = 0xE
	ZoneStateOffline     byte = 0xF
)

// ZoneDescriptor is one entry of a zone_report.
type ZoneDescriptor struct {
	ZoneStartLBA uint64
	Capacity     uint64 // blocks
	WritePointer uint64 // LBA, meaningful for log zones only
	State        byte
}

// Namespace is the ZNS command transport consumed by the translation
// core. It is never implemented by the core itself — only by the
// concrete backends under this package's subdirectories.
type Namespace interface {
	// LBASize returns the namespace's logical block size in bytes.
	LBASize() uint32

	// NumZones returns Z, the total number of zones in the namespace.
	NumZones() uint64

	// BlocksPerZone returns B, the number of LBAs in one zone.
	BlocksPerZone() uint64

	// MDTS returns the maximum data transfer size in bytes for a
	// single NVMe command.
	MDTS() uint64

	// ZoneAppend atomically appends data to the zone starting at
	// zoneStartLBA and returns the LBA the device chose for the first
	// block written. A partial append is never observed: either the
	// whole buffer lands, or an error is returned and nothing lands.
	ZoneAppend(ctx context.Context, zoneStartLBA uint64, data []byte) (resLBA uint64, err error)

	// ReadLBAs performs a random read of len(buf)/LBASize() blocks
	// starting at startLBA.
	ReadLBAs(ctx context.Context, startLBA uint64, buf []byte) error

	// WriteLBAs performs a sequential write of len(data)/LBASize()
	// blocks starting at startLBA. Used only where the caller has
	// already established the zone's write pointer is at startLBA
	// (e.g. GC rewriting a freshly reset zone from its first LBA).
	WriteLBAs(ctx context.Context, startLBA uint64, data []byte) error

	// ZoneReset empties the zone starting at zoneStartLBA, or every
	// zone in the namespace when all is true.
	ZoneReset(ctx context.Context, zoneStartLBA uint64, all bool) error

	// ZoneReport enumerates zone capacity and per-zone state.
	ZoneReport(ctx context.Context) ([]ZoneDescriptor, error)
}

// ChunkTransfer splits a transfer of size len(buf) that may exceed
// MDTS into successive chunks, calling do once per chunk with the
// chunk's starting LBA and its slice of buf. The next chunk's starting
// LBA is always the previous one advanced by the number of blocks just
// transferred, matching the NVMe convention that command size is
// encoded zero-based (lba_num = blocks-1).
func ChunkTransfer(startLBA uint64, buf []byte, lbaSize uint32, mdts uint64, do func(lba uint64, chunk []byte) error) error {
	if mdts == 0 {
		mdts = uint64(len(buf))
	}
	if len(buf) == 0 {
		return nil
	}

	chunkBlocks := mdts / uint64(lbaSize)
	if chunkBlocks == 0 {
		return fmt.Errorf("transport: MDTS %d smaller than LBA size %d", mdts, lbaSize)
	}
	chunkBytes := chunkBlocks * uint64(lbaSize)

	lba := startLBA
	for off := 0; off < len(buf); off += int(chunkBytes) {
		end := off + int(chunkBytes)
		if end > len(buf) {
			end = len(buf)
		}

		chunk := buf[off:end]
		if err := do(lba, chunk); err != nil {
			return err
		}

		lba += uint64(len(chunk)) / uint64(lbaSize)
	}

	return nil
}
