package mapping

import "github.com/emergingrobotics/go-edgetpu/pkg/driver"

// IOMMU map request encoding
const (
	FlagsDirMask      = 0x3
	FlagsCoherent     = 1 << 2
	FlagsAttrsShift   = 3
	FlagsAttrsMask    = 0xffff
	FlagsRestrictIOVA = 1 << 19
)

// DMA attributes carried in the attrs field
const (
	AttrSkipCPUSync = 1 << 5
	AttrPBHAShift   = 12
)

// HostDir converts the direction requested for the device into the one
// used for the host side of the mapping.
func HostDir(d driver.DmaDataDirection) driver.DmaDataDirection {
	if d == driver.DmaFromDevice {
		return driver.DmaBidirectional
	}
	return d
}

// DMAAttrs derives DMA attributes from user map flags
func DMAAttrs(flags driver.MapFlag) uint64 {
	var attrs uint64
	if flags.SkipCPUSync() {
		attrs |= AttrSkipCPUSync
	}
	attrs |= uint64(flags.PBHA()) << AttrPBHAShift
	return attrs
}

// EncodeFlags builds the IOMMU request word for a user map flag
func EncodeFlags(flags driver.MapFlag, attrs uint64, adjustDir bool) uint64 {
	dir := flags.Direction()
	if adjustDir {
		dir = HostDir(dir)
	}
	enc := uint64(dir) & FlagsDirMask
	if flags.Coherent() {
		enc |= FlagsCoherent
	}
	enc |= (attrs & FlagsAttrsMask) << FlagsAttrsShift
	if flags.CPUAccessible() {
		enc |= FlagsRestrictIOVA
	}
	return enc
}

// DecodeDir extracts the direction from an encoded request word
func DecodeDir(enc uint64) driver.DmaDataDirection {
	return driver.DmaDataDirection(enc & FlagsDirMask)
}

// DecodeAttrs extracts the DMA attributes from an encoded request word
func DecodeAttrs(enc uint64) uint64 {
	return (enc >> FlagsAttrsShift) & FlagsAttrsMask
}
