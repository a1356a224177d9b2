package driver

// Argument sizes, matching the C ABI layout of the structs in edgetpu.h
const (
	SizeOfMapIoctl                = 32
	SizeOfEventRegister           = 8
	SizeOfMailboxAttr             = 20
	SizeOfSyncIoctl               = 32
	SizeOfMapDmabufIoctl          = 40
	SizeOfMapBulkDmabufIoctl      = 168
	SizeOfCreateSyncFenceData     = 136
	SizeOfSignalSyncFenceData     = 8
	SizeOfSyncFenceStatus         = 8
	SizeOfFirmwareVersion         = 16
	SizeOfDramUsage               = 16
	SizeOfExtMailboxIoctl         = 24
	SizeOfDeviceProperties        = DevPropSize
	SizeOfVIICommand              = 48
	SizeOfVIICommandIoctl         = 80
	SizeOfVIIResponse             = 24
	SizeOfVIILitebufCommandIoctl  = 56
	SizeOfVIILitebufResponseIoctl = 24
)

// VII response codes generated by the kernel rather than firmware
const (
	VIIResponseCodeKernelBase          = 1 << 15
	VIIResponseCodeKernelCmdTimeout    = VIIResponseCodeKernelBase + 0
	VIIResponseCodeKernelEnqueueFailed = VIIResponseCodeKernelBase + 1
	VIIResponseCodeKernelFenceError    = VIIResponseCodeKernelBase + 2
	VIIResponseCodeKernelFenceTimeout  = VIIResponseCodeKernelBase + 3
	VIIResponseCodeKernelCanceled      = VIIResponseCodeKernelBase + 4
)

// MapIoctl is struct edgetpu_map_ioctl
type MapIoctl struct {
	HostAddress   uint64
	Size          uint64
	DeviceAddress uint64
	Flags         MapFlag
	DieIndex      uint32
}

// EventRegister is struct edgetpu_event_register
type EventRegister struct {
	EventID uint32
	EventFD uint32
}

// MailboxAttr is struct edgetpu_mailbox_attr
type MailboxAttr struct {
	CmdQueueSize     uint32 // KB
	RespQueueSize    uint32 // KB
	SizeofCmd        uint32
	SizeofResp       uint32
	Priority         uint8 // 4 bits
	CmdqTailDoorbell bool
	PartitionType    uint8 // partition_type | partition_type_high << 1
	ClientPriv       bool
}

// Detachable reports whether the mailbox may be released with the wake-lock
func (a MailboxAttr) Detachable() bool {
	return a.Priority&PriorityDetachable != 0
}

// SyncIoctl is struct edgetpu_sync_ioctl
type SyncIoctl struct {
	DeviceAddress uint64
	Size          uint64
	Offset        uint64
	DieIndex      uint32
	Flags         uint32
}

// MapDmabufIoctl is struct edgetpu_map_dmabuf_ioctl
type MapDmabufIoctl struct {
	Offset        uint64
	Size          uint64
	DeviceAddress uint64
	DmabufFD      int32
	Flags         MapFlag
	DieIndex      uint32
}

// CreateSyncFenceData is struct edgetpu_create_sync_fence_data
type CreateSyncFenceData struct {
	Seqno        uint32
	TimelineName string
	Fence        int32
}

// SignalSyncFenceData is struct edgetpu_signal_sync_fence_data
type SignalSyncFenceData struct {
	Fence int32
	Error int32
}

// SyncFenceStatus is struct edgetpu_sync_fence_status
type SyncFenceStatus struct {
	Fence  int32
	Status int32
}

// FirmwareVersion is struct edgetpu_fw_version
type FirmwareVersion struct {
	MajorVersion uint32
	MinorVersion uint32
	VIIVersion   uint32
	KCIVersion   uint32
}

// DramUsage is struct edgetpu_device_dram_usage
type DramUsage struct {
	Allocated uint64
	Available uint64
}

// ExtMailboxIoctl is struct edgetpu_ext_mailbox_ioctl
type ExtMailboxIoctl struct {
	ClientID uint64
	Attrs    uint64 // user pointer to an array of MailboxAttr
	Type     uint32
	Count    uint32
}

// DeviceProperties is struct edgetpu_set_device_properties_ioctl
type DeviceProperties [DevPropSize]byte

// VIIDmaDescriptor is struct edgetpu_vii_dma_descriptor
type VIIDmaDescriptor struct {
	Address uint64
	Size    uint32
	Flags   uint32
}

// VIICommand is struct edgetpu_vii_command
type VIICommand struct {
	Seq              uint64
	Code             uint16
	Priority         uint8
	DmaDescriptor    VIIDmaDescriptor
	ClientID         uint32 // overwritten by the kernel
	QoSClass         uint8
	ClusterIDsBitset uint8
	Atomic           uint8
}

// VIICommandIoctl is struct edgetpu_vii_command_ioctl
type VIICommandIoctl struct {
	Command       VIICommand
	InFenceArray  uint64 // user pointer to int32 fds
	InFenceCount  uint32
	OutFenceArray uint64
	OutFenceCount uint32
}

// VIIResponse is struct edgetpu_vii_response
type VIIResponse struct {
	Seq          uint64
	Code         uint16
	ClusterIndex int8
	ClientID     uint32
	Retval       uint64
}

// IsKernelCode reports whether the response was generated by the kernel
func (r VIIResponse) IsKernelCode() bool {
	return r.Code >= VIIResponseCodeKernelBase
}

// VIILitebufCommandIoctl is struct edgetpu_vii_litebuf_command_ioctl
type VIILitebufCommandIoctl struct {
	LitebufAddress uint64
	LitebufSize    uint32
	Seq            uint64
	InFenceArray   uint64
	InFenceCount   uint32
	OutFenceArray  uint64
	OutFenceCount  uint32
}

// VIILitebufResponseIoctl is struct edgetpu_vii_litebuf_response_ioctl
type VIILitebufResponseIoctl struct {
	LitebufAddress uint64
	Seq            uint64
	Code           uint16
}
