package ftl

import "errors"

// Sentinel errors for the device's error kinds. Foreground callers see
// these wrapped with call-site context via fmt.Errorf's %w; errors.Is
// still matches the sentinel.
var (
	// ErrMisaligned is returned when a read or write's address or size
	// is not a multiple of the namespace's LBA size.
	ErrMisaligned = errors.New("ftl: address or size not LBA-aligned")

	// ErrSpansZone is returned when a write would not fit in a single
	// zone append; such writes are rejected rather than silently
	// straddled across two zones.
	ErrSpansZone = errors.New("ftl: write spans more than one zone")

	// ErrCapacityExhausted is returned when GC finds no empty data
	// zone and the log-zone scratch path is unavailable (the logical
	// zone being merged has no prior data-zone home to rewrite in
	// place). This should not occur as long as log_zones >= 1 and
	// total data written never exceeds capacity_bytes; when it does,
	// it is fatal rather than retryable.
	ErrCapacityExhausted = errors.New("ftl: no empty data zone and no scratch path available")

	// ErrCorruptCheckpoint is returned internally when the metadata
	// zone's declared size is outside [0, B*lba_size] or the record
	// fails to parse; callers never see it directly, since a corrupt
	// checkpoint is always treated as "start fresh".
	ErrCorruptCheckpoint = errors.New("ftl: checkpoint record is not parseable")
)
