package driver

// IOCTL magic - must match edgetpu.h
const EdgetpuIoctlBase = 0xED

// IOCTL numbers
const (
	IoctlMapBuffer            = 0
	IoctlUnmapBuffer          = 4
	IoctlSetEventfd           = 5
	IoctlCreateGroup          = 6
	IoctlJoinGroup            = 7
	IoctlFinalizeGroup        = 8
	IoctlSetPerdieEventfd     = 9
	IoctlUnsetEvent           = 14
	IoctlUnsetPerdieEvent     = 15
	IoctlSyncBuffer           = 16
	IoctlMapDmabuf            = 17
	IoctlUnmapDmabuf          = 18
	IoctlAllocateDeviceBuffer = 19
	IoctlCreateSyncFence      = 20
	IoctlSignalSyncFence      = 21
	IoctlMapBulkDmabuf        = 22
	IoctlUnmapBulkDmabuf      = 23
	IoctlSyncFenceStatus      = 24
	IoctlReleaseWakeLock      = 25
	IoctlAcquireWakeLock      = 26
	IoctlFirmwareVersion      = 27
	IoctlGetTpuTimestamp      = 28
	IoctlGetDramUsage         = 29
	IoctlAcquireExtMailbox    = 30
	IoctlReleaseExtMailbox    = 31
	IoctlGetFatalErrors       = 32
	IoctlSetDeviceProperties  = 34
	IoctlVIICommand           = 35
	IoctlVIIResponse          = 36
	IoctlVIILitebufCommand    = 37
	IoctlVIILitebufResponse   = 38
)

// mmap offsets (page aligned)
const (
	MmapFullCSROffset      = 0x0
	MmapExtCSROffset       = 0x1500000
	MmapExtCmdQueueOffset  = 0x1600000
	MmapExtRespQueueOffset = 0x1700000
	MmapCSROffset          = 0x1800000
	MmapCmdQueueOffset     = 0x1900000
	MmapRespQueueOffset    = 0x1A00000
	MmapLogBufferOffset    = 0x1B00000
	MmapTraceBufferOffset  = 0x1C00000
	MmapLog1BufferOffset   = 0x1D00000
	MmapTrace1BufferOffset = 0x1E00000
	MmapLog2BufferOffset   = 0x1F00000
	MmapTrace2BufferOffset = 0x2000000
	MmapLog3BufferOffset   = 0x2100000
	MmapTrace3BufferOffset = 0x2200000
)

// MapFlag is the user-visible map flag word
type MapFlag uint32

// Map flag bits
const (
	MapDirMask          MapFlag = 3
	MapDmaBidirectional MapFlag = 0
	MapDmaToDevice      MapFlag = 1
	MapDmaFromDevice    MapFlag = 2
	MapDmaNone          MapFlag = 3
	MapMirrored         MapFlag = 0 << 2
	MapNonMirrored      MapFlag = 1 << 2
	MapCPUAccessible    MapFlag = 0 << 3
	MapCPUNonAccessible MapFlag = 1 << 3
	MapSkipCPUSync      MapFlag = 1 << 4
	MapAttrPBHAShift            = 5
	MapAttrPBHAMask     MapFlag = 0xf
	MapCoherent         MapFlag = 1 << 9

	mapKnownFlags = MapDirMask | MapNonMirrored | MapCPUNonAccessible | MapSkipCPUSync |
		MapAttrPBHAMask<<MapAttrPBHAShift | MapCoherent
)

// Direction returns the DMA direction encoded in the low two bits
func (f MapFlag) Direction() DmaDataDirection {
	return DmaDataDirection(f & MapDirMask)
}

// PBHA returns the page-based hardware attribute field
func (f MapFlag) PBHA() uint32 {
	return uint32((f >> MapAttrPBHAShift) & MapAttrPBHAMask)
}

// Coherent reports whether the coherent bit is set
func (f MapFlag) Coherent() bool { return f&MapCoherent != 0 }

// SkipCPUSync reports whether CPU cache maintenance is skipped
func (f MapFlag) SkipCPUSync() bool { return f&MapSkipCPUSync != 0 }

// CPUAccessible reports whether the CPU may access the mapping
func (f MapFlag) CPUAccessible() bool { return f&MapCPUNonAccessible == 0 }

// Valid reports whether only known bits are set
func (f MapFlag) Valid() bool { return f&^mapKnownFlags == 0 }

// DmaDataDirection represents DMA transfer direction
type DmaDataDirection uint32

const (
	DmaBidirectional DmaDataDirection = 0
	DmaToDevice      DmaDataDirection = 1
	DmaFromDevice    DmaDataDirection = 2
	DmaNone          DmaDataDirection = 3
)

func (d DmaDataDirection) String() string {
	switch d {
	case DmaBidirectional:
		return "bidirectional"
	case DmaToDevice:
		return "to-device"
	case DmaFromDevice:
		return "from-device"
	default:
		return "none"
	}
}

// Sync flags for SYNC_BUFFER
const (
	SyncForDevice = 0 << 2
	SyncForCPU    = 1 << 2
)

// Event ids for SET_EVENTFD
const (
	EventRespData   = 0
	EventFatalError = 1
	NumEvents       = 2
)

// Per-die event ids for SET_PERDIE_EVENTFD
const (
	PerdieEventLogsAvailable   = 0x1000
	PerdieEventTracesAvailable = 0x1001
)

// Mailbox attribute constants
const (
	PriorityDetachable = 1 << 3
	PartitionNormal    = 0
	PartitionExtra     = 1
)

// External mailbox types
const (
	ExtMailboxTypeTZ  = 1
	ExtMailboxTypeGSA = 2
)

// FatalError bits reported by GET_FATAL_ERRORS and carried by canceled VII responses
const (
	ErrorFWCrash            = 0x1
	ErrorWatchdogTimeout    = 0x2
	ErrorThermalStop        = 0x4
	ErrorHWNoAccess         = 0x8
	ErrorHWFail             = 0x10
	ErrorRuntimeTimeout     = 0x20
	ErrorClientContextCrash = 0x40
)

// Limits and sizes
const (
	DevPropSize               = 256
	SyncTimelineNameLen       = 128
	IgnoreFD                  = -1
	MaxNumDevicesInGroup      = 36
	NumVIICredits             = 8
	VIICommandMaxNumFences    = 64
	MmapPageSize              = 4096
	TelemetryMaxBuffers       = 4
	DefaultTelemetryBufSize   = 16 * MmapPageSize
	MaxMailboxQueueElements   = 1024
	MailboxQueueSizeUnitBytes = 1024
)

// IOCTL direction constants
const (
	IocNone  = 0
	IocWrite = 1
	IocRead  = 2
)

// IOCTL size/direction encoding constants
const (
	IocNrBits   = 8
	IocTypeBits = 8
	IocSizeBits = 14
	IocDirBits  = 2

	IocNrShift   = 0
	IocTypeShift = IocNrShift + IocNrBits
	IocSizeShift = IocTypeShift + IocTypeBits
	IocDirShift  = IocSizeShift + IocSizeBits
)

// Ioc creates an IOCTL command number
func Ioc(dir, iocType, nr, size int) uint32 {
	return uint32((dir << IocDirShift) |
		(iocType << IocTypeShift) |
		(nr << IocNrShift) |
		(size << IocSizeShift))
}

// IoW creates a write IOCTL (data flows from user to kernel)
func IoW(iocType, nr, size int) uint32 {
	return Ioc(IocWrite, iocType, nr, size)
}

// IoR creates a read IOCTL (data flows from kernel to user)
func IoR(iocType, nr, size int) uint32 {
	return Ioc(IocRead, iocType, nr, size)
}

// IoWR creates a read-write IOCTL
func IoWR(iocType, nr, size int) uint32 {
	return Ioc(IocRead|IocWrite, iocType, nr, size)
}

// Io creates an IOCTL with no data transfer
func Io(iocType, nr int) uint32 {
	return Ioc(IocNone, iocType, nr, 0)
}

// IocDir extracts the direction bits of cmd
func IocDir(cmd uint32) int { return int(cmd>>IocDirShift) & (1<<IocDirBits - 1) }

// IocType extracts the type (magic) byte of cmd
func IocType(cmd uint32) int { return int(cmd>>IocTypeShift) & (1<<IocTypeBits - 1) }

// IocNr extracts the number of cmd
func IocNr(cmd uint32) int { return int(cmd>>IocNrShift) & (1<<IocNrBits - 1) }

// IocSize extracts the argument size of cmd
func IocSize(cmd uint32) int { return int(cmd>>IocSizeShift) & (1<<IocSizeBits - 1) }
