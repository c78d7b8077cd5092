package walb

import "github.com/walb-project/walb/internal/constants"

// Re-export the on-disk and protocol constants for the public API.
const (
	LogicalBlockSize          = constants.LogicalBlockSize
	DefaultPhysicalBlockSize  = constants.DefaultPhysicalBlockSize
	WalbVersion               = constants.WalbVersion
	SectorTypeSuper           = constants.SectorTypeSuper
	SectorTypeLogpack         = constants.SectorTypeLogpack
	SectorTypeWlogHeader      = constants.SectorTypeWlogHeader
	InvalidLsid               = constants.InvalidLsid
	DiskNameLen               = constants.DiskNameLen
	UUIDSize                  = constants.UUIDSize
	MaxTotalIOSizeInLogpack   = constants.MaxTotalIOSizeInLogpack
	DefaultMaxPendingMB       = constants.DefaultMaxPendingMB
	DefaultMinPendingMB       = constants.DefaultMinPendingMB
	DefaultQueueStopTimeoutMs = constants.DefaultQueueStopTimeoutMs
	DefaultLogFlushIntervalMs = constants.DefaultLogFlushIntervalMs
	DefaultLogFlushIntervalMB = constants.DefaultLogFlushIntervalMB
	DefaultMaxLogpackKB       = constants.DefaultMaxLogpackKB
	DefaultNPackBulk          = constants.DefaultNPackBulk
	DefaultNIOBulk            = constants.DefaultNIOBulk
	MaxCheckpointIntervalMs   = constants.MaxCheckpointIntervalMs
	MaxFreezeTimeoutSeconds   = constants.MaxFreezeTimeoutSeconds
)
