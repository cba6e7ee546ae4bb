// Package ftl implements the core of a user-space Flash Translation
// Layer over a Zoned Namespace block device: the two-level address
// translation (log map over data map), the append-only write path into
// log zones, the background merge/GC that drains log zones into data
// zones, and the crash-consistent persistence of translation metadata
// in a reserved metadata zone.
//
// Everything outside this package — the filesystem consuming
// Device.Read/Device.Write, and the concrete transport.Namespace doing
// the actual NVMe/ZNS I/O — is an external collaborator referenced
// only by interface.
package ftl

// logicalZone returns LZ(la): the data-zone slot that will hold the
// fully merged copy of la.
func logicalZone(la uint64, logZones, blocksPerZone uint64, lbaSize uint32) uint64 {
	zoneBytes := blocksPerZone * uint64(lbaSize)
	return la/zoneBytes + logZones
}

// inZoneOffset returns OFF(la): the block offset of la within its
// logical zone.
func inZoneOffset(la uint64, blocksPerZone uint64, lbaSize uint32) uint64 {
	zoneBytes := blocksPerZone * uint64(lbaSize)
	return (la % zoneBytes) / uint64(lbaSize)
}
