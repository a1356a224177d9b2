package vii

import (
	"google.golang.org/protobuf/encoding/protowire"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// RuntimeCommand is the body runtimes place in a litebuf command payload
//
// message RuntimeCommand {
//   uint32 code = 1;
//   uint64 buffer_address = 2;
//   uint32 buffer_size = 3;
//   bytes extra = 4;
// }
type RuntimeCommand struct {
	Code          uint32
	BufferAddress uint64
	BufferSize    uint32
	Extra         []byte
}

// Marshal appends the wire encoding of c to b
func (c *RuntimeCommand) Marshal(b []byte) []byte {
	if c.Code != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Code))
	}
	if c.BufferAddress != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, c.BufferAddress)
	}
	if c.BufferSize != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.BufferSize))
	}
	if len(c.Extra) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Extra)
	}
	return b
}

// Unmarshal parses b, skipping unknown fields. Trailing zero padding from an
// inline payload is ignored.
func (c *RuntimeCommand) Unmarshal(b []byte) error {
	*c = RuntimeCommand{}
	for len(b) > 0 && b[0] != 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return parseError(n)
			}
			c.Code = uint32(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return parseError(n)
			}
			c.BufferAddress = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return parseError(n)
			}
			c.BufferSize = uint32(v)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return parseError(n)
			}
			c.Extra = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return parseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// RuntimeResponse is the body firmware places in a litebuf response payload
//
// message RuntimeResponse {
//   uint32 status = 1;
//   uint64 retval = 2;
// }
type RuntimeResponse struct {
	Status uint32
	Retval uint64
}

// Marshal appends the wire encoding of r to b
func (r *RuntimeResponse) Marshal(b []byte) []byte {
	if r.Status != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Status))
	}
	if r.Retval != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Retval)
	}
	return b
}

// Unmarshal parses b, skipping unknown fields. Trailing zero padding from a
// fixed-size payload is ignored.
func (r *RuntimeResponse) Unmarshal(b []byte) error {
	*r = RuntimeResponse{}
	for len(b) > 0 && b[0] != 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return parseError(n)
			}
			if num == 1 {
				r.Status = uint32(v)
			} else {
				r.Retval = v
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
	}
	return nil
}

func parseError(n int) error {
	return driver.NewErrorWithCause(unix.EINVAL, "runtime payload", protowire.ParseError(n))
}
