// Package vii holds the wire formats of the Virtual Instruction Interface:
// the fixed-layout and litebuf command/response packets, the additional-info
// blob handed to firmware beside a command, and the runtime payload.
package vii

import (
	"encoding/binary"
	"fmt"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

var le = binary.LittleEndian

// Format selects the packet layout the firmware speaks
type Format uint32

const (
	FormatUnknown    Format = 0
	FormatFlatbuffer Format = 1
	FormatLitebuf    Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatFlatbuffer:
		return "flatbuffer"
	case FormatLitebuf:
		return "litebuf"
	default:
		return "unknown"
	}
}

// Litebuf packet geometry
const (
	LitebufCommandSize  = 128
	LitebufPayloadSize  = LitebufCommandSize - 32
	LitebufResponseSize = 64
	LitebufRespPayload  = LitebufResponseSize - 16
)

// Litebuf command types
const (
	LitebufRuntimeCommand      = 0
	LitebufLargeRuntimeCommand = 1
)

// Codec reads and writes the fields the host driver owns in a packet,
// whichever layout is in use
type Codec struct {
	Format Format
}

// CommandSize returns the size of one command packet, 0 when unknown
func (c Codec) CommandSize() int {
	switch c.Format {
	case FormatFlatbuffer:
		return driver.SizeOfVIICommand
	case FormatLitebuf:
		return LitebufCommandSize
	}
	return 0
}

// ResponseSize returns the size of one response packet, 0 when unknown
func (c Codec) ResponseSize() int {
	switch c.Format {
	case FormatFlatbuffer:
		return driver.SizeOfVIIResponse
	case FormatLitebuf:
		return LitebufResponseSize
	}
	return 0
}

// CommandSeq returns the sequence number of a command packet
func (c Codec) CommandSeq(b []byte) uint64 {
	switch c.Format {
	case FormatFlatbuffer:
		return le.Uint64(b[0:8])
	case FormatLitebuf:
		return uint64(le.Uint32(b[112:116]))
	}
	return 0
}

// SetCommandSeq overwrites the sequence number of a command packet
func (c Codec) SetCommandSeq(b []byte, seq uint64) {
	switch c.Format {
	case FormatFlatbuffer:
		le.PutUint64(b[0:8], seq)
	case FormatLitebuf:
		le.PutUint32(b[112:116], uint32(seq))
	}
}

// CommandCode returns the command code; litebuf hides it inside the payload so
// the packet type is reported instead
func (c Codec) CommandCode(b []byte) uint16 {
	switch c.Format {
	case FormatFlatbuffer:
		return le.Uint16(b[8:10])
	case FormatLitebuf:
		return uint16(b[126])
	}
	return 0
}

// SetCommandClientID overwrites the client id of a command packet
func (c Codec) SetCommandClientID(b []byte, id uint32) {
	switch c.Format {
	case FormatFlatbuffer:
		le.PutUint32(b[40:44], id)
	case FormatLitebuf:
		le.PutUint32(b[116:120], id)
	}
}

// CommandClientID returns the client id of a command packet
func (c Codec) CommandClientID(b []byte) uint32 {
	switch c.Format {
	case FormatFlatbuffer:
		return le.Uint32(b[40:44])
	case FormatLitebuf:
		return le.Uint32(b[116:120])
	}
	return 0
}

// SetAdditionalInfo records where the additional info lives. Only litebuf
// commands carry it.
func (c Codec) SetAdditionalInfo(b []byte, addr uint32, size uint16) {
	if c.Format != FormatLitebuf {
		return
	}
	le.PutUint32(b[120:124], addr)
	le.PutUint16(b[124:126], size)
}

// AdditionalInfo returns the additional info location of a command packet
func (c Codec) AdditionalInfo(b []byte) (uint32, uint16) {
	if c.Format != FormatLitebuf {
		return 0, 0
	}
	return le.Uint32(b[120:124]), le.Uint16(b[124:126])
}

// ResponseSeq returns the sequence number of a response packet
func (c Codec) ResponseSeq(b []byte) uint64 {
	switch c.Format {
	case FormatFlatbuffer:
		return le.Uint64(b[0:8])
	case FormatLitebuf:
		return uint64(le.Uint32(b[52:56]))
	}
	return 0
}

// SetResponseSeq overwrites the sequence number of a response packet
func (c Codec) SetResponseSeq(b []byte, seq uint64) {
	switch c.Format {
	case FormatFlatbuffer:
		le.PutUint64(b[0:8], seq)
	case FormatLitebuf:
		le.PutUint32(b[52:56], uint32(seq))
	}
}

// ResponseCode returns the status code of a response packet
func (c Codec) ResponseCode(b []byte) uint16 {
	switch c.Format {
	case FormatFlatbuffer:
		return le.Uint16(b[8:10])
	case FormatLitebuf:
		return le.Uint16(b[60:62])
	}
	return 0
}

// ResponseClientID returns the client id of a response packet
func (c Codec) ResponseClientID(b []byte) uint32 {
	switch c.Format {
	case FormatFlatbuffer:
		return le.Uint32(b[12:16])
	case FormatLitebuf:
		return le.Uint32(b[56:60])
	}
	return 0
}

// KernelResponse builds a response generated by the host for seq
func (c Codec) KernelResponse(seq uint64, clientID uint32, code uint16, retval uint64) []byte {
	b := make([]byte, c.ResponseSize())
	switch c.Format {
	case FormatFlatbuffer:
		r := driver.VIIResponse{Seq: seq, Code: code, ClusterIndex: -1, ClientID: clientID, Retval: retval}
		r.Encode(b)
	case FormatLitebuf:
		r := LitebufResponse{Seq: uint32(seq), ClientID: clientID, Code: code}
		r.Encode(b)
	}
	return b
}

// LitebufCommand is struct edgetpu_vii_litebuf_command
type LitebufCommand struct {
	Payload            [LitebufPayloadSize]byte
	Seq                uint32
	ClientID           uint32
	AdditionalInfoAddr uint32
	AdditionalInfoSize uint16
	Type               uint8
}

// SetLarge points the payload at an out-of-line buffer
func (c *LitebufCommand) SetLarge(addr, size uint32) {
	c.Payload = [LitebufPayloadSize]byte{}
	le.PutUint32(c.Payload[0:4], addr)
	le.PutUint32(c.Payload[4:8], size)
	c.Type = LitebufLargeRuntimeCommand
}

// Large returns the out-of-line buffer of a large command
func (c *LitebufCommand) Large() (addr, size uint32, ok bool) {
	if c.Type != LitebufLargeRuntimeCommand {
		return 0, 0, false
	}
	return le.Uint32(c.Payload[0:4]), le.Uint32(c.Payload[4:8]), true
}

// Encode writes c into b
func (c *LitebufCommand) Encode(b []byte) {
	copy(b[0:LitebufPayloadSize], c.Payload[:])
	clear(b[LitebufPayloadSize:112])
	le.PutUint32(b[112:116], c.Seq)
	le.PutUint32(b[116:120], c.ClientID)
	le.PutUint32(b[120:124], c.AdditionalInfoAddr)
	le.PutUint16(b[124:126], c.AdditionalInfoSize)
	b[126] = c.Type
	b[127] = 0
}

// Decode reads c from b
func (c *LitebufCommand) Decode(b []byte) {
	copy(c.Payload[:], b[0:LitebufPayloadSize])
	c.Seq = le.Uint32(b[112:116])
	c.ClientID = le.Uint32(b[116:120])
	c.AdditionalInfoAddr = le.Uint32(b[120:124])
	c.AdditionalInfoSize = le.Uint16(b[124:126])
	c.Type = b[126]
}

// LitebufResponse is struct edgetpu_vii_litebuf_response
type LitebufResponse struct {
	Payload  [LitebufRespPayload]byte
	Seq      uint32
	ClientID uint32
	Code     uint16
	Type     uint8
}

// Encode writes r into b
func (r *LitebufResponse) Encode(b []byte) {
	copy(b[0:LitebufRespPayload], r.Payload[:])
	clear(b[LitebufRespPayload:52])
	le.PutUint32(b[52:56], r.Seq)
	le.PutUint32(b[56:60], r.ClientID)
	le.PutUint16(b[60:62], r.Code)
	b[62] = r.Type
	b[63] = 0
}

// Decode reads r from b
func (r *LitebufResponse) Decode(b []byte) {
	copy(r.Payload[:], b[0:LitebufRespPayload])
	r.Seq = le.Uint32(b[52:56])
	r.ClientID = le.Uint32(b[56:60])
	r.Code = le.Uint16(b[60:62])
	r.Type = b[62]
}

// ResponseCodeString names kernel-generated codes
func ResponseCodeString(code uint16) string {
	switch code {
	case driver.VIIResponseCodeKernelCmdTimeout:
		return "cmd-timeout"
	case driver.VIIResponseCodeKernelEnqueueFailed:
		return "enqueue-failed"
	case driver.VIIResponseCodeKernelFenceError:
		return "fence-error"
	case driver.VIIResponseCodeKernelFenceTimeout:
		return "fence-timeout"
	case driver.VIIResponseCodeKernelCanceled:
		return "canceled"
	}
	return fmt.Sprintf("fw-%d", code)
}
