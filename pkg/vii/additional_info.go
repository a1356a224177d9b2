package vii

import (
	flatbuffers "github.com/google/flatbuffers/go"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// AdditionalInfo is the blob the host places in device memory beside a
// command: the inter-IP fence ids the firmware waits on and signals, the
// command timeout, and runtime-defined data.
//
// table AdditionalInfo {
//   in_fences:[ushort];
//   out_fences:[ushort];
//   timeout_ms:uint;
//   runtime_data:[ubyte];
// }
type AdditionalInfo struct {
	InFences    []uint16
	OutFences   []uint16
	TimeoutMs   uint32
	RuntimeData []byte
}

const (
	aiInFences    = 4
	aiOutFences   = 6
	aiTimeoutMs   = 8
	aiRuntimeData = 10
)

// Empty reports whether the blob would carry nothing for firmware
func (a *AdditionalInfo) Empty() bool {
	return len(a.InFences) == 0 && len(a.OutFences) == 0 && len(a.RuntimeData) == 0
}

func buildUint16Vector(b *flatbuffers.Builder, v []uint16) flatbuffers.UOffsetT {
	b.StartVector(2, len(v), 2)
	for i := len(v) - 1; i >= 0; i-- {
		b.PrependUint16(v[i])
	}
	return b.EndVector(len(v))
}

// Marshal serializes the blob
func (a *AdditionalInfo) Marshal() []byte {
	b := flatbuffers.NewBuilder(64)

	var in, out, data flatbuffers.UOffsetT
	if len(a.InFences) > 0 {
		in = buildUint16Vector(b, a.InFences)
	}
	if len(a.OutFences) > 0 {
		out = buildUint16Vector(b, a.OutFences)
	}
	if len(a.RuntimeData) > 0 {
		data = b.CreateByteVector(a.RuntimeData)
	}

	b.StartObject(4)
	if in != 0 {
		b.PrependUOffsetTSlot(0, in, 0)
	}
	if out != 0 {
		b.PrependUOffsetTSlot(1, out, 0)
	}
	b.PrependUint32Slot(2, a.TimeoutMs, 0)
	if data != 0 {
		b.PrependUOffsetTSlot(3, data, 0)
	}
	b.Finish(b.EndObject())
	return b.FinishedBytes()
}

// UnmarshalAdditionalInfo parses a blob written by Marshal
func UnmarshalAdditionalInfo(buf []byte) (a *AdditionalInfo, err error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, driver.NewError(unix.EINVAL, "additional info too short")
	}
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, driver.Errorf(unix.EINVAL, "malformed additional info: %v", r)
		}
	}()

	var t flatbuffers.Table
	t.Bytes = buf
	t.Pos = flatbuffers.GetUOffsetT(buf)

	a = &AdditionalInfo{}
	a.InFences = readUint16Vector(&t, aiInFences)
	a.OutFences = readUint16Vector(&t, aiOutFences)
	if o := flatbuffers.UOffsetT(t.Offset(aiTimeoutMs)); o != 0 {
		a.TimeoutMs = t.GetUint32(o + t.Pos)
	}
	if o := flatbuffers.UOffsetT(t.Offset(aiRuntimeData)); o != 0 {
		a.RuntimeData = append([]byte(nil), t.ByteVector(o+t.Pos)...)
	}
	return a, nil
}

func readUint16Vector(t *flatbuffers.Table, slot flatbuffers.VOffsetT) []uint16 {
	o := flatbuffers.UOffsetT(t.Offset(slot))
	if o == 0 {
		return nil
	}
	n := t.VectorLen(o)
	start := t.Vector(o)
	v := make([]uint16, n)
	for i := range v {
		v[i] = t.GetUint16(start + flatbuffers.UOffsetT(i*2))
	}
	return v
}
