package kci

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Code is a KCI command opcode
type Code uint32

// Command opcodes understood by the firmware
const (
	CodeAck                  Code = 0
	CodeMapLogBuffer         Code = 2
	CodeMapTraceBuffer       Code = 5
	CodeShutdown             Code = 7
	CodeGetDebugDump         Code = 8
	CodeOpenDevice           Code = 9
	CodeCloseDevice          Code = 10
	CodeFirmwareInfo         Code = 11
	CodeGetUsage             Code = 12
	CodeNotifyThrottling     Code = 13
	CodeBlockBusSpeedControl Code = 14
	CodeAllocateVMBox        Code = 15
	CodeReleaseVMBox         Code = 16
	CodeFirmwareTracingLevel Code = 19
	CodeThermalControl       Code = 20
	CodeSetDeviceProperties  Code = 21
	CodeFaultInjection       Code = 22
	CodeSetFreqLimits        Code = 23
	CodeFWDebugCmd           Code = 24
	CodeFWDebugReset         Code = 25
	CodeFWDebugInit          Code = 26
	CodeRKCIAck              Code = 256
)

var codeNames = map[Code]string{
	CodeAck:                  "ack",
	CodeMapLogBuffer:         "map_log_buffer",
	CodeMapTraceBuffer:       "map_trace_buffer",
	CodeShutdown:             "shutdown",
	CodeGetDebugDump:         "get_debug_dump",
	CodeOpenDevice:           "open_device",
	CodeCloseDevice:          "close_device",
	CodeFirmwareInfo:         "firmware_info",
	CodeGetUsage:             "get_usage",
	CodeNotifyThrottling:     "notify_throttling",
	CodeBlockBusSpeedControl: "block_bus_speed_control",
	CodeAllocateVMBox:        "allocate_vmbox",
	CodeReleaseVMBox:         "release_vmbox",
	CodeFirmwareTracingLevel: "firmware_tracing_level",
	CodeThermalControl:       "thermal_control",
	CodeSetDeviceProperties:  "set_device_properties",
	CodeFaultInjection:       "fault_injection",
	CodeSetFreqLimits:        "set_freq_limits",
	CodeFWDebugCmd:           "fw_debug_cmd",
	CodeFWDebugReset:         "fw_debug_reset",
	CodeFWDebugInit:          "fw_debug_init",
	CodeRKCIAck:              "rkci_ack",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Reverse KCI opcodes sent by the firmware
const (
	RKCIChipCodeFirst     uint16 = 0
	RKCIPMQoSRequest      uint16 = 1
	RKCIChangeBTSScenario uint16 = 2
	RKCIGenericCodeFirst  uint16 = 0x8000
	RKCIFirmwareCrash     uint16 = RKCIGenericCodeFirst + 0
	RKCIJobLockup         uint16 = RKCIGenericCodeFirst + 1
	RKCIClientFatalError  uint16 = RKCIGenericCodeFirst + 2
	RKCITelemetryLogs     uint16 = RKCIGenericCodeFirst + 3
	RKCITelemetryTraces   uint16 = RKCIGenericCodeFirst + 4
)

// Crash types carried in the retval of a firmware crash notification
const (
	CrashUnrecoverableFault uint64 = 0
	CrashNonFatal           uint64 = 1
)

// Status is the firmware completion status of a command
type Status uint16

// Status values returned by the firmware
const (
	StatusOK                 Status = 0
	StatusCanceled           Status = 1
	StatusUnknown            Status = 2
	StatusInvalidArgument    Status = 3
	StatusDeadlineExceeded   Status = 4
	StatusNotFound           Status = 5
	StatusAlreadyExists      Status = 6
	StatusPermissionDenied   Status = 7
	StatusResourceExhausted  Status = 8
	StatusFailedPrecondition Status = 9
	StatusAborted            Status = 10
	StatusOutOfRange         Status = 11
	StatusUnimplemented      Status = 12
	StatusInternal           Status = 13
	StatusUnavailable        Status = 14
)

// Errno converts a firmware status to the errno reported to callers
func (s Status) Errno() unix.Errno {
	switch s {
	case StatusOK:
		return 0
	case StatusInvalidArgument, StatusOutOfRange:
		return unix.EINVAL
	case StatusPermissionDenied:
		return unix.EPERM
	case StatusResourceExhausted:
		return unix.ENOMEM
	case StatusAlreadyExists:
		return unix.EEXIST
	case StatusNotFound:
		return unix.ENOENT
	case StatusUnimplemented:
		return unix.EOPNOTSUPP
	case StatusDeadlineExceeded:
		return unix.ETIMEDOUT
	case StatusUnavailable, StatusFailedPrecondition:
		return unix.EAGAIN
	default:
		return unix.EIO
	}
}

// Wire sizes
const (
	CommandSize       = 64
	ResponseSize      = 32
	InlinePayloadSize = 32

	ReverseFlag uint64 = 1 << 63
)

// DMADescriptor addresses out-of-line command data in coherent memory
type DMADescriptor struct {
	Address uint64
	Size    uint32
	Flags   uint32
}

// Command matches the KCI command element (64 bytes, little-endian)
type Command struct {
	Seq     uint64
	Code    Code
	DMA     DMADescriptor
	Payload [InlinePayloadSize]byte
}

// Encode writes c into b
func (c *Command) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], c.Seq)
	binary.LittleEndian.PutUint32(b[8:], uint32(c.Code))
	binary.LittleEndian.PutUint32(b[12:], 0)
	binary.LittleEndian.PutUint64(b[16:], c.DMA.Address)
	binary.LittleEndian.PutUint32(b[24:], c.DMA.Size)
	binary.LittleEndian.PutUint32(b[28:], c.DMA.Flags)
	copy(b[32:64], c.Payload[:])
}

// Decode reads c from b
func (c *Command) Decode(b []byte) {
	c.Seq = binary.LittleEndian.Uint64(b[0:])
	c.Code = Code(binary.LittleEndian.Uint32(b[8:]))
	c.DMA.Address = binary.LittleEndian.Uint64(b[16:])
	c.DMA.Size = binary.LittleEndian.Uint32(b[24:])
	c.DMA.Flags = binary.LittleEndian.Uint32(b[28:])
	copy(c.Payload[:], b[32:64])
}

// Response matches the KCI response element (32 bytes, little-endian).
// Reverse KCI requests from the firmware use the same layout with
// ReverseFlag set in Seq.
type Response struct {
	Seq    uint64
	Code   uint16
	Status Status
	Retval uint64
}

// Encode writes r into b
func (r *Response) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], r.Seq)
	binary.LittleEndian.PutUint16(b[8:], r.Code)
	binary.LittleEndian.PutUint16(b[10:], uint16(r.Status))
	binary.LittleEndian.PutUint32(b[12:], 0)
	binary.LittleEndian.PutUint64(b[16:], r.Retval)
	clear(b[24:32])
}

// Decode reads r from b
func (r *Response) Decode(b []byte) {
	r.Seq = binary.LittleEndian.Uint64(b[0:])
	r.Code = binary.LittleEndian.Uint16(b[8:])
	r.Status = Status(binary.LittleEndian.Uint16(b[10:]))
	r.Retval = binary.LittleEndian.Uint64(b[16:])
}

// IsReverse reports whether r is a firmware-originated request
func (r *Response) IsReverse() bool { return r.Seq&ReverseFlag != 0 }

// Firmware flavors reported by the firmware info handshake
const (
	FlavorUnknown     uint32 = 0
	FlavorBL1         uint32 = 1
	FlavorSystest     uint32 = 2
	FlavorProdDefault uint32 = 3
	FlavorCustom      uint32 = 4
)

// VII payload formats reported by the firmware info handshake
const (
	VIIFormatUnknown    uint32 = 0
	VIIFormatFlatbuffer uint32 = 1
	VIIFormatLitebuf    uint32 = 2
)

// FWInfoSize is the size of the firmware info record
const FWInfoSize = 64

// FWInfo is the record the firmware fills in during the handshake
type FWInfo struct {
	BuildTime  uint64
	Flavor     uint32
	Changelist uint32
	Major      uint32
	Minor      uint32
	KCIVersion uint32
	VIIVersion uint32
	VIIFormat  uint32
}

// Encode writes i into b
func (i *FWInfo) Encode(b []byte) {
	clear(b[:FWInfoSize])
	binary.LittleEndian.PutUint64(b[0:], i.BuildTime)
	binary.LittleEndian.PutUint32(b[8:], i.Flavor)
	binary.LittleEndian.PutUint32(b[12:], i.Changelist)
	binary.LittleEndian.PutUint32(b[16:], i.Major)
	binary.LittleEndian.PutUint32(b[20:], i.Minor)
	binary.LittleEndian.PutUint32(b[24:], i.KCIVersion)
	binary.LittleEndian.PutUint32(b[28:], i.VIIVersion)
	binary.LittleEndian.PutUint32(b[32:], i.VIIFormat)
}

// Decode reads i from b
func (i *FWInfo) Decode(b []byte) {
	i.BuildTime = binary.LittleEndian.Uint64(b[0:])
	i.Flavor = binary.LittleEndian.Uint32(b[8:])
	i.Changelist = binary.LittleEndian.Uint32(b[12:])
	i.Major = binary.LittleEndian.Uint32(b[16:])
	i.Minor = binary.LittleEndian.Uint32(b[20:])
	i.KCIVersion = binary.LittleEndian.Uint32(b[24:])
	i.VIIVersion = binary.LittleEndian.Uint32(b[28:])
	i.VIIFormat = binary.LittleEndian.Uint32(b[32:])
}

// OpenDeviceDetail is the inline payload of open_device
type OpenDeviceDetail struct {
	ClientPriv uint16
	VCID       uint16
	FirstOpen  bool
}

// Encode writes d into an inline payload
func (d *OpenDeviceDetail) Encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], d.ClientPriv)
	binary.LittleEndian.PutUint16(b[2:], d.VCID)
	var flags uint32
	if d.FirstOpen {
		flags |= 1
	}
	binary.LittleEndian.PutUint32(b[4:], flags)
}

// Decode reads d from an inline payload
func (d *OpenDeviceDetail) Decode(b []byte) {
	d.ClientPriv = binary.LittleEndian.Uint16(b[0:])
	d.VCID = binary.LittleEndian.Uint16(b[2:])
	d.FirstOpen = binary.LittleEndian.Uint32(b[4:])&1 != 0
}

// AllocateVMBoxDetailSize is the size of the allocate_vmbox argument
const AllocateVMBoxDetailSize = 64

// AllocateVMBoxDetail is the argument of allocate_vmbox, passed out of line
type AllocateVMBoxDetail struct {
	ClientID   uint32
	SliceIndex uint8
	FirstOpen  bool
	FirstParty bool
}

// Encode writes d into b
func (d *AllocateVMBoxDetail) Encode(b []byte) {
	clear(b[:AllocateVMBoxDetailSize])
	binary.LittleEndian.PutUint32(b[0:], d.ClientID)
	b[5] = d.SliceIndex
	b[6] = boolByte(d.FirstOpen)
	b[7] = boolByte(d.FirstParty)
}

// Decode reads d from b
func (d *AllocateVMBoxDetail) Decode(b []byte) {
	d.ClientID = binary.LittleEndian.Uint32(b[0:])
	d.SliceIndex = b[5]
	d.FirstOpen = b[6] != 0
	d.FirstParty = b[7] != 0
}

// ClientID builds the VMbox client id from security realm, VM id and PASID
func ClientID(realm, vmID uint8, pasid uint32) uint32 {
	return uint32(realm)<<28 | uint32(vmID)<<20 | pasid&0xfffff
}

// PASIDOfClientID extracts the PASID from a VMbox client id
func PASIDOfClientID(id uint32) uint32 { return id & 0xfffff }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// UsageMetric is one counter reported by get_usage
type UsageMetric struct {
	Type  uint16
	Value uint64
}

// Usage buffer layout: a header of count and entry size, then entries
const (
	UsageHeaderSize = 8
	UsageEntrySize  = 16
	UsageBufferSize = driver.MmapPageSize
)

// Usage metric types
const (
	UsageTPUActive     uint16 = 1
	UsageComponentUtil uint16 = 2
	UsageCounter       uint16 = 3
	UsageThreadStats   uint16 = 4
)

// EncodeUsage writes metrics into a usage buffer
func EncodeUsage(b []byte, metrics []UsageMetric) {
	n := min(len(metrics), (len(b)-UsageHeaderSize)/UsageEntrySize)
	binary.LittleEndian.PutUint32(b[0:], uint32(n))
	binary.LittleEndian.PutUint32(b[4:], UsageEntrySize)
	for i := 0; i < n; i++ {
		e := b[UsageHeaderSize+i*UsageEntrySize:]
		binary.LittleEndian.PutUint16(e[0:], metrics[i].Type)
		clear(e[2:8])
		binary.LittleEndian.PutUint64(e[8:], metrics[i].Value)
	}
}

// DecodeUsage parses a usage buffer
func DecodeUsage(b []byte) ([]UsageMetric, error) {
	if len(b) < UsageHeaderSize {
		return nil, driver.NewError(unix.EINVAL, "short usage buffer")
	}
	n := int(binary.LittleEndian.Uint32(b[0:]))
	size := int(binary.LittleEndian.Uint32(b[4:]))
	if size < UsageEntrySize || UsageHeaderSize+n*size > len(b) {
		return nil, driver.Errorf(unix.EINVAL, "bad usage header: %d entries of %d bytes", n, size)
	}
	out := make([]UsageMetric, n)
	for i := range out {
		e := b[UsageHeaderSize+i*size:]
		out[i] = UsageMetric{Type: binary.LittleEndian.Uint16(e[0:]), Value: binary.LittleEndian.Uint64(e[8:])}
	}
	return out, nil
}
