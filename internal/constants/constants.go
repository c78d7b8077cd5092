// Package constants holds the reserved integer constants of the on-disk
// and control-plane formats.
package constants

import "time"

// On-disk format constants.
const (
	// LogicalBlockSize is the fixed logical block size in bytes.
	LogicalBlockSize = 512

	// DefaultPhysicalBlockSize is the default pbs used when a device isn't
	// configured explicitly. Must be a power of two, 512 <= pbs <= 4096.
	DefaultPhysicalBlockSize = 4096

	// WalbVersion is the on-disk superblock/wlog format version this
	// module reads and writes.
	WalbVersion = 2

	SectorTypeSuper      = 1
	SectorTypeLogpack    = 2
	SectorTypeWlogHeader = 3

	// InvalidLsid must never be passed to the ring mapper.
	InvalidLsid = ^uint64(0)

	DiskNameLen = 64
	UUIDSize    = 16

	// MaxTotalIOSizeInLogpack caps total_io_size since it is stored as u16.
	MaxTotalIOSizeInLogpack = 65535
)

// Logpack record flag bits.
const (
	LogRecordExist   uint32 = 1 << 0
	LogRecordPadding uint32 = 1 << 1
	LogRecordDiscard uint32 = 1 << 2
)

// walb_start_param defaults and bounds.
const (
	DefaultMaxPendingMB       = 64
	DefaultMinPendingMB       = 32
	DefaultQueueStopTimeoutMs = 1000
	DefaultLogFlushIntervalMs = 100
	DefaultLogFlushIntervalMB = 16
	DefaultMaxLogpackKB       = 1024
	DefaultNPackBulk          = 32
	DefaultNIOBulk            = 32

	MaxPendingMB = 4096

	MaxCheckpointIntervalMs = 24 * 60 * 60 * 1000 // WALB_MAX_CHECKPOINT_INTERVAL

	// MaxFreezeTimeoutSeconds clamps freeze(t).
	MaxFreezeTimeoutSeconds = 86400
)

// DefaultCheckpointInterval is the checkpointer's default re-arm period.
const DefaultCheckpointInterval = 10 * time.Second
