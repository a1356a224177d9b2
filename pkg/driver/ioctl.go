package driver

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// IOCTL command codes (calculated from type and size)
var (
	IoctlCmdMapBuffer            = IoWR(EdgetpuIoctlBase, IoctlMapBuffer, SizeOfMapIoctl)
	IoctlCmdUnmapBuffer          = IoW(EdgetpuIoctlBase, IoctlUnmapBuffer, SizeOfMapIoctl)
	IoctlCmdSetEventfd           = IoW(EdgetpuIoctlBase, IoctlSetEventfd, SizeOfEventRegister)
	IoctlCmdCreateGroup          = IoW(EdgetpuIoctlBase, IoctlCreateGroup, SizeOfMailboxAttr)
	IoctlCmdJoinGroup            = IoW(EdgetpuIoctlBase, IoctlJoinGroup, 4)
	IoctlCmdFinalizeGroup        = Io(EdgetpuIoctlBase, IoctlFinalizeGroup)
	IoctlCmdSetPerdieEventfd     = IoW(EdgetpuIoctlBase, IoctlSetPerdieEventfd, SizeOfEventRegister)
	IoctlCmdUnsetEvent           = IoW(EdgetpuIoctlBase, IoctlUnsetEvent, 4)
	IoctlCmdUnsetPerdieEvent     = IoW(EdgetpuIoctlBase, IoctlUnsetPerdieEvent, 4)
	IoctlCmdSyncBuffer           = IoW(EdgetpuIoctlBase, IoctlSyncBuffer, SizeOfSyncIoctl)
	IoctlCmdMapDmabuf            = IoWR(EdgetpuIoctlBase, IoctlMapDmabuf, SizeOfMapDmabufIoctl)
	IoctlCmdUnmapDmabuf          = IoW(EdgetpuIoctlBase, IoctlUnmapDmabuf, SizeOfMapDmabufIoctl)
	IoctlCmdAllocateDeviceBuffer = IoW(EdgetpuIoctlBase, IoctlAllocateDeviceBuffer, 8)
	IoctlCmdCreateSyncFence      = IoWR(EdgetpuIoctlBase, IoctlCreateSyncFence, SizeOfCreateSyncFenceData)
	IoctlCmdSignalSyncFence      = IoW(EdgetpuIoctlBase, IoctlSignalSyncFence, SizeOfSignalSyncFenceData)
	IoctlCmdMapBulkDmabuf        = IoWR(EdgetpuIoctlBase, IoctlMapBulkDmabuf, SizeOfMapBulkDmabufIoctl)
	IoctlCmdUnmapBulkDmabuf      = IoW(EdgetpuIoctlBase, IoctlUnmapBulkDmabuf, SizeOfMapBulkDmabufIoctl)
	IoctlCmdSyncFenceStatus      = IoWR(EdgetpuIoctlBase, IoctlSyncFenceStatus, SizeOfSyncFenceStatus)
	IoctlCmdReleaseWakeLock      = Io(EdgetpuIoctlBase, IoctlReleaseWakeLock)
	IoctlCmdAcquireWakeLock      = Io(EdgetpuIoctlBase, IoctlAcquireWakeLock)
	IoctlCmdFirmwareVersion      = IoR(EdgetpuIoctlBase, IoctlFirmwareVersion, SizeOfFirmwareVersion)
	IoctlCmdGetTpuTimestamp      = IoR(EdgetpuIoctlBase, IoctlGetTpuTimestamp, 8)
	IoctlCmdGetDramUsage         = IoR(EdgetpuIoctlBase, IoctlGetDramUsage, SizeOfDramUsage)
	IoctlCmdAcquireExtMailbox    = IoW(EdgetpuIoctlBase, IoctlAcquireExtMailbox, SizeOfExtMailboxIoctl)
	IoctlCmdReleaseExtMailbox    = IoW(EdgetpuIoctlBase, IoctlReleaseExtMailbox, SizeOfExtMailboxIoctl)
	IoctlCmdGetFatalErrors       = IoR(EdgetpuIoctlBase, IoctlGetFatalErrors, 4)
	IoctlCmdSetDeviceProperties  = IoW(EdgetpuIoctlBase, IoctlSetDeviceProperties, SizeOfDeviceProperties)
	IoctlCmdVIICommand           = IoWR(EdgetpuIoctlBase, IoctlVIICommand, SizeOfVIICommandIoctl)
	IoctlCmdVIIResponse          = IoWR(EdgetpuIoctlBase, IoctlVIIResponse, SizeOfVIIResponse)
	IoctlCmdVIILitebufCommand    = IoWR(EdgetpuIoctlBase, IoctlVIILitebufCommand, SizeOfVIILitebufCommandIoctl)
	IoctlCmdVIILitebufResponse   = IoWR(EdgetpuIoctlBase, IoctlVIILitebufResponse, SizeOfVIILitebufResponseIoctl)
)

var ioctlNames = map[uint32]string{
	IoctlCmdMapBuffer:            "MAP_BUFFER",
	IoctlCmdUnmapBuffer:          "UNMAP_BUFFER",
	IoctlCmdSetEventfd:           "SET_EVENTFD",
	IoctlCmdCreateGroup:          "CREATE_GROUP",
	IoctlCmdJoinGroup:            "JOIN_GROUP",
	IoctlCmdFinalizeGroup:        "FINALIZE_GROUP",
	IoctlCmdSetPerdieEventfd:     "SET_PERDIE_EVENTFD",
	IoctlCmdUnsetEvent:           "UNSET_EVENT",
	IoctlCmdUnsetPerdieEvent:     "UNSET_PERDIE_EVENT",
	IoctlCmdSyncBuffer:           "SYNC_BUFFER",
	IoctlCmdMapDmabuf:            "MAP_DMABUF",
	IoctlCmdUnmapDmabuf:          "UNMAP_DMABUF",
	IoctlCmdAllocateDeviceBuffer: "ALLOCATE_DEVICE_BUFFER",
	IoctlCmdCreateSyncFence:      "CREATE_SYNC_FENCE",
	IoctlCmdSignalSyncFence:      "SIGNAL_SYNC_FENCE",
	IoctlCmdMapBulkDmabuf:        "MAP_BULK_DMABUF",
	IoctlCmdUnmapBulkDmabuf:      "UNMAP_BULK_DMABUF",
	IoctlCmdSyncFenceStatus:      "SYNC_FENCE_STATUS",
	IoctlCmdReleaseWakeLock:      "RELEASE_WAKE_LOCK",
	IoctlCmdAcquireWakeLock:      "ACQUIRE_WAKE_LOCK",
	IoctlCmdFirmwareVersion:      "FIRMWARE_VERSION",
	IoctlCmdGetTpuTimestamp:      "GET_TPU_TIMESTAMP",
	IoctlCmdGetDramUsage:         "GET_DRAM_USAGE",
	IoctlCmdAcquireExtMailbox:    "ACQUIRE_EXT_MAILBOX",
	IoctlCmdReleaseExtMailbox:    "RELEASE_EXT_MAILBOX",
	IoctlCmdGetFatalErrors:       "GET_FATAL_ERRORS",
	IoctlCmdSetDeviceProperties:  "SET_DEVICE_PROPERTIES",
	IoctlCmdVIICommand:           "VII_COMMAND",
	IoctlCmdVIIResponse:          "VII_RESPONSE",
	IoctlCmdVIILitebufCommand:    "VII_LITEBUF_COMMAND",
	IoctlCmdVIILitebufResponse:   "VII_LITEBUF_RESPONSE",
}

// IoctlName returns the EDGETPU_* name of cmd, or "" if unknown
func IoctlName(cmd uint32) string {
	return ioctlNames[cmd]
}

// IoctlCommands returns every known command code
func IoctlCommands() []uint32 {
	cmds := make([]uint32, 0, len(ioctlNames))
	for cmd := range ioctlNames {
		cmds = append(cmds, cmd)
	}
	return cmds
}

// DeviceFile represents an open EdgeTPU device node
type DeviceFile struct {
	fd   int
	path string
}

// OpenDevice opens an EdgeTPU device node by path
func OpenDevice(path string, writable bool) (*DeviceFile, error) {
	mode := unix.O_RDONLY
	if writable {
		mode = unix.O_RDWR
	}
	fd, err := unix.Open(path, mode|unix.O_CLOEXEC, 0)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if ok {
			return nil, NewErrorWithCause(errno, "opening device "+path, err)
		}
		return nil, NewErrorWithCause(unix.EIO, "opening device "+path, err)
	}
	return &DeviceFile{fd: fd, path: path}, nil
}

// Close closes the device file
func (d *DeviceFile) Close() error {
	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		if err != nil {
			return NewErrorWithCause(unix.EIO, "closing device", err)
		}
	}
	return nil
}

// Fd returns the file descriptor
func (d *DeviceFile) Fd() int {
	return d.fd
}

// Path returns the device path
func (d *DeviceFile) Path() string {
	return d.path
}

// Ioctl issues cmd with arg as the in/out argument buffer
func (d *DeviceFile) Ioctl(cmd uint32, arg []byte) error {
	var p unsafe.Pointer
	if len(arg) > 0 {
		p = unsafe.Pointer(&arg[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(cmd), uintptr(p))
	if errno != 0 {
		return NewError(errno, IoctlName(cmd))
	}
	return nil
}

// Mmap maps a device region at the given page offset
func (d *DeviceFile) Mmap(offset int64, length int) ([]byte, error) {
	b, err := unix.Mmap(d.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return nil, NewError(errno, "mmap")
		}
		return nil, err
	}
	return b, nil
}

// FirmwareVersion queries the running firmware version
func (d *DeviceFile) FirmwareVersion() (*FirmwareVersion, error) {
	buf := make([]byte, SizeOfFirmwareVersion)
	if err := d.Ioctl(IoctlCmdFirmwareVersion, buf); err != nil {
		return nil, err
	}
	var v FirmwareVersion
	v.Decode(buf)
	return &v, nil
}

// AcquireWakeLock acquires a wake-lock for this fd
func (d *DeviceFile) AcquireWakeLock() error {
	return d.Ioctl(IoctlCmdAcquireWakeLock, nil)
}

// ReleaseWakeLock releases a wake-lock held by this fd
func (d *DeviceFile) ReleaseWakeLock() error {
	return d.Ioctl(IoctlCmdReleaseWakeLock, nil)
}

// FatalErrors returns the fatal error mask of the fd's group
func (d *DeviceFile) FatalErrors() (uint32, error) {
	buf := make([]byte, 4)
	if err := d.Ioctl(IoctlCmdGetFatalErrors, buf); err != nil {
		return 0, err
	}
	return le.Uint32(buf), nil
}

// TPUTimestamp returns the device cycle counter
func (d *DeviceFile) TPUTimestamp() (uint64, error) {
	buf := make([]byte, 8)
	if err := d.Ioctl(IoctlCmdGetTpuTimestamp, buf); err != nil {
		return 0, err
	}
	return le.Uint64(buf), nil
}

// CreateGroup creates a device group with the caller as leader
func (d *DeviceFile) CreateGroup(attr MailboxAttr) error {
	buf := make([]byte, SizeOfMailboxAttr)
	attr.Encode(buf)
	return d.Ioctl(IoctlCmdCreateGroup, buf)
}

// FinalizeGroup finalizes the caller's device group
func (d *DeviceFile) FinalizeGroup() error {
	return d.Ioctl(IoctlCmdFinalizeGroup, nil)
}

// MapBuffer maps a host buffer and returns the device address
func (d *DeviceFile) MapBuffer(host []byte, flags MapFlag) (uint64, error) {
	if len(host) == 0 {
		return 0, NewError(unix.EINVAL, "empty buffer")
	}
	m := MapIoctl{
		HostAddress: uint64(uintptr(unsafe.Pointer(&host[0]))),
		Size:        uint64(len(host)),
		Flags:       flags,
	}
	buf := make([]byte, SizeOfMapIoctl)
	m.Encode(buf)
	if err := d.Ioctl(IoctlCmdMapBuffer, buf); err != nil {
		return 0, err
	}
	m.Decode(buf)
	return m.DeviceAddress, nil
}

// UnmapBuffer unmaps a buffer previously mapped by MapBuffer
func (d *DeviceFile) UnmapBuffer(deviceAddress uint64) error {
	m := MapIoctl{DeviceAddress: deviceAddress}
	buf := make([]byte, SizeOfMapIoctl)
	m.Encode(buf)
	return d.Ioctl(IoctlCmdUnmapBuffer, buf)
}
