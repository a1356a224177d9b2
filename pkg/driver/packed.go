package driver

import (
	"bytes"
	"encoding/binary"
)

var le = binary.LittleEndian

// Decode reads struct edgetpu_map_ioctl (32 bytes)
// struct edgetpu_map_ioctl {
//     __u64 host_address;    // offset 0
//     __u64 size;            // offset 8
//     __u64 device_address;  // offset 16
//     __u32 flags;           // offset 24
//     __u32 die_index;       // offset 28
// };
func (m *MapIoctl) Decode(b []byte) {
	m.HostAddress = le.Uint64(b[0:8])
	m.Size = le.Uint64(b[8:16])
	m.DeviceAddress = le.Uint64(b[16:24])
	m.Flags = MapFlag(le.Uint32(b[24:28]))
	m.DieIndex = le.Uint32(b[28:32])
}

// Encode writes m into b
func (m *MapIoctl) Encode(b []byte) {
	le.PutUint64(b[0:8], m.HostAddress)
	le.PutUint64(b[8:16], m.Size)
	le.PutUint64(b[16:24], m.DeviceAddress)
	le.PutUint32(b[24:28], uint32(m.Flags))
	le.PutUint32(b[28:32], m.DieIndex)
}

// Decode reads struct edgetpu_event_register (8 bytes)
func (e *EventRegister) Decode(b []byte) {
	e.EventID = le.Uint32(b[0:4])
	e.EventFD = le.Uint32(b[4:8])
}

// Encode writes e into b
func (e *EventRegister) Encode(b []byte) {
	le.PutUint32(b[0:4], e.EventID)
	le.PutUint32(b[4:8], e.EventFD)
}

// Decode reads struct edgetpu_mailbox_attr (20 bytes). The trailing word
// holds the bitfields:
//     priority:4, cmdq_tail_doorbell:1, partition_type:1, client_priv:1, partition_type_high:1
func (a *MailboxAttr) Decode(b []byte) {
	a.CmdQueueSize = le.Uint32(b[0:4])
	a.RespQueueSize = le.Uint32(b[4:8])
	a.SizeofCmd = le.Uint32(b[8:12])
	a.SizeofResp = le.Uint32(b[12:16])
	bits := le.Uint32(b[16:20])
	a.Priority = uint8(bits & 0xf)
	a.CmdqTailDoorbell = bits&(1<<4) != 0
	a.PartitionType = uint8((bits>>5)&1) | uint8((bits>>7)&1)<<1
	a.ClientPriv = bits&(1<<6) != 0
}

// Encode writes a into b
func (a *MailboxAttr) Encode(b []byte) {
	le.PutUint32(b[0:4], a.CmdQueueSize)
	le.PutUint32(b[4:8], a.RespQueueSize)
	le.PutUint32(b[8:12], a.SizeofCmd)
	le.PutUint32(b[12:16], a.SizeofResp)
	bits := uint32(a.Priority & 0xf)
	if a.CmdqTailDoorbell {
		bits |= 1 << 4
	}
	bits |= uint32(a.PartitionType&1) << 5
	if a.ClientPriv {
		bits |= 1 << 6
	}
	bits |= uint32((a.PartitionType>>1)&1) << 7
	le.PutUint32(b[16:20], bits)
}

// Decode reads struct edgetpu_sync_ioctl (32 bytes)
func (s *SyncIoctl) Decode(b []byte) {
	s.DeviceAddress = le.Uint64(b[0:8])
	s.Size = le.Uint64(b[8:16])
	s.Offset = le.Uint64(b[16:24])
	s.DieIndex = le.Uint32(b[24:28])
	s.Flags = le.Uint32(b[28:32])
}

// Encode writes s into b
func (s *SyncIoctl) Encode(b []byte) {
	le.PutUint64(b[0:8], s.DeviceAddress)
	le.PutUint64(b[8:16], s.Size)
	le.PutUint64(b[16:24], s.Offset)
	le.PutUint32(b[24:28], s.DieIndex)
	le.PutUint32(b[28:32], s.Flags)
}

// Decode reads struct edgetpu_map_dmabuf_ioctl (40 bytes, 4 trailing pad)
func (m *MapDmabufIoctl) Decode(b []byte) {
	m.Offset = le.Uint64(b[0:8])
	m.Size = le.Uint64(b[8:16])
	m.DeviceAddress = le.Uint64(b[16:24])
	m.DmabufFD = int32(le.Uint32(b[24:28]))
	m.Flags = MapFlag(le.Uint32(b[28:32]))
	m.DieIndex = le.Uint32(b[32:36])
}

// Encode writes m into b
func (m *MapDmabufIoctl) Encode(b []byte) {
	le.PutUint64(b[0:8], m.Offset)
	le.PutUint64(b[8:16], m.Size)
	le.PutUint64(b[16:24], m.DeviceAddress)
	le.PutUint32(b[24:28], uint32(m.DmabufFD))
	le.PutUint32(b[28:32], uint32(m.Flags))
	le.PutUint32(b[32:36], m.DieIndex)
}

// Decode reads struct edgetpu_create_sync_fence_data (136 bytes)
func (c *CreateSyncFenceData) Decode(b []byte) {
	c.Seqno = le.Uint32(b[0:4])
	name := b[4 : 4+SyncTimelineNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	c.TimelineName = string(name)
	c.Fence = int32(le.Uint32(b[132:136]))
}

// Encode writes c into b. The timeline name is truncated to leave room for
// the terminating NUL.
func (c *CreateSyncFenceData) Encode(b []byte) {
	le.PutUint32(b[0:4], c.Seqno)
	name := b[4 : 4+SyncTimelineNameLen]
	for i := range name {
		name[i] = 0
	}
	copy(name[:SyncTimelineNameLen-1], c.TimelineName)
	le.PutUint32(b[132:136], uint32(c.Fence))
}

// Decode reads struct edgetpu_signal_sync_fence_data (8 bytes)
func (s *SignalSyncFenceData) Decode(b []byte) {
	s.Fence = int32(le.Uint32(b[0:4]))
	s.Error = int32(le.Uint32(b[4:8]))
}

// Encode writes s into b
func (s *SignalSyncFenceData) Encode(b []byte) {
	le.PutUint32(b[0:4], uint32(s.Fence))
	le.PutUint32(b[4:8], uint32(s.Error))
}

// Decode reads struct edgetpu_sync_fence_status (8 bytes)
func (s *SyncFenceStatus) Decode(b []byte) {
	s.Fence = int32(le.Uint32(b[0:4]))
	s.Status = int32(le.Uint32(b[4:8]))
}

// Encode writes s into b
func (s *SyncFenceStatus) Encode(b []byte) {
	le.PutUint32(b[0:4], uint32(s.Fence))
	le.PutUint32(b[4:8], uint32(s.Status))
}

// Decode reads struct edgetpu_fw_version (16 bytes)
func (v *FirmwareVersion) Decode(b []byte) {
	v.MajorVersion = le.Uint32(b[0:4])
	v.MinorVersion = le.Uint32(b[4:8])
	v.VIIVersion = le.Uint32(b[8:12])
	v.KCIVersion = le.Uint32(b[12:16])
}

// Encode writes v into b
func (v *FirmwareVersion) Encode(b []byte) {
	le.PutUint32(b[0:4], v.MajorVersion)
	le.PutUint32(b[4:8], v.MinorVersion)
	le.PutUint32(b[8:12], v.VIIVersion)
	le.PutUint32(b[12:16], v.KCIVersion)
}

// Decode reads struct edgetpu_device_dram_usage (16 bytes)
func (d *DramUsage) Decode(b []byte) {
	d.Allocated = le.Uint64(b[0:8])
	d.Available = le.Uint64(b[8:16])
}

// Encode writes d into b
func (d *DramUsage) Encode(b []byte) {
	le.PutUint64(b[0:8], d.Allocated)
	le.PutUint64(b[8:16], d.Available)
}

// Decode reads struct edgetpu_ext_mailbox_ioctl (24 bytes)
func (e *ExtMailboxIoctl) Decode(b []byte) {
	e.ClientID = le.Uint64(b[0:8])
	e.Attrs = le.Uint64(b[8:16])
	e.Type = le.Uint32(b[16:20])
	e.Count = le.Uint32(b[20:24])
}

// Encode writes e into b
func (e *ExtMailboxIoctl) Encode(b []byte) {
	le.PutUint64(b[0:8], e.ClientID)
	le.PutUint64(b[8:16], e.Attrs)
	le.PutUint32(b[16:20], e.Type)
	le.PutUint32(b[20:24], e.Count)
}

// Decode reads struct edgetpu_vii_command (48 bytes)
// struct edgetpu_vii_command {
//     __u64 seq;                   // offset 0
//     __u16 code;                  // offset 8
//     __u8 priority;               // offset 10
//     __u8 reserved_0[5];          // offset 11
//     struct dma_descriptor;       // offset 16 (address u64, size u32, flags u32)
//     __u8 reserved_1[8];          // offset 32
//     __u32 client_id;             // offset 40
//     __u8 qos_class;              // offset 44
//     __u8 cluster_ids_bitset;     // offset 45
//     __u8 atomic;                 // offset 46
//     __u8 reserved_2[1];          // offset 47
// };
func (c *VIICommand) Decode(b []byte) {
	c.Seq = le.Uint64(b[0:8])
	c.Code = le.Uint16(b[8:10])
	c.Priority = b[10]
	c.DmaDescriptor.Address = le.Uint64(b[16:24])
	c.DmaDescriptor.Size = le.Uint32(b[24:28])
	c.DmaDescriptor.Flags = le.Uint32(b[28:32])
	c.ClientID = le.Uint32(b[40:44])
	c.QoSClass = b[44]
	c.ClusterIDsBitset = b[45]
	c.Atomic = b[46]
}

// Encode writes c into b, zeroing the reserved bytes
func (c *VIICommand) Encode(b []byte) {
	for i := range b[:SizeOfVIICommand] {
		b[i] = 0
	}
	le.PutUint64(b[0:8], c.Seq)
	le.PutUint16(b[8:10], c.Code)
	b[10] = c.Priority
	le.PutUint64(b[16:24], c.DmaDescriptor.Address)
	le.PutUint32(b[24:28], c.DmaDescriptor.Size)
	le.PutUint32(b[28:32], c.DmaDescriptor.Flags)
	le.PutUint32(b[40:44], c.ClientID)
	b[44] = c.QoSClass
	b[45] = c.ClusterIDsBitset
	b[46] = c.Atomic
}

// Decode reads struct edgetpu_vii_command_ioctl (80 bytes)
func (c *VIICommandIoctl) Decode(b []byte) {
	c.Command.Decode(b[0:48])
	c.InFenceArray = le.Uint64(b[48:56])
	c.InFenceCount = le.Uint32(b[56:60])
	c.OutFenceArray = le.Uint64(b[64:72])
	c.OutFenceCount = le.Uint32(b[72:76])
}

// Encode writes c into b
func (c *VIICommandIoctl) Encode(b []byte) {
	c.Command.Encode(b[0:48])
	le.PutUint64(b[48:56], c.InFenceArray)
	le.PutUint32(b[56:60], c.InFenceCount)
	le.PutUint32(b[60:64], 0)
	le.PutUint64(b[64:72], c.OutFenceArray)
	le.PutUint32(b[72:76], c.OutFenceCount)
	le.PutUint32(b[76:80], 0)
}

// Decode reads struct edgetpu_vii_response (24 bytes)
func (r *VIIResponse) Decode(b []byte) {
	r.Seq = le.Uint64(b[0:8])
	r.Code = le.Uint16(b[8:10])
	r.ClusterIndex = int8(b[10])
	r.ClientID = le.Uint32(b[12:16])
	r.Retval = le.Uint64(b[16:24])
}

// Encode writes r into b
func (r *VIIResponse) Encode(b []byte) {
	le.PutUint64(b[0:8], r.Seq)
	le.PutUint16(b[8:10], r.Code)
	b[10] = byte(r.ClusterIndex)
	b[11] = 0
	le.PutUint32(b[12:16], r.ClientID)
	le.PutUint64(b[16:24], r.Retval)
}

// Decode reads struct edgetpu_vii_litebuf_command_ioctl (56 bytes)
func (c *VIILitebufCommandIoctl) Decode(b []byte) {
	c.LitebufAddress = le.Uint64(b[0:8])
	c.LitebufSize = le.Uint32(b[8:12])
	c.Seq = le.Uint64(b[16:24])
	c.InFenceArray = le.Uint64(b[24:32])
	c.InFenceCount = le.Uint32(b[32:36])
	c.OutFenceArray = le.Uint64(b[40:48])
	c.OutFenceCount = le.Uint32(b[48:52])
}

// Encode writes c into b
func (c *VIILitebufCommandIoctl) Encode(b []byte) {
	for i := range b[:SizeOfVIILitebufCommandIoctl] {
		b[i] = 0
	}
	le.PutUint64(b[0:8], c.LitebufAddress)
	le.PutUint32(b[8:12], c.LitebufSize)
	le.PutUint64(b[16:24], c.Seq)
	le.PutUint64(b[24:32], c.InFenceArray)
	le.PutUint32(b[32:36], c.InFenceCount)
	le.PutUint64(b[40:48], c.OutFenceArray)
	le.PutUint32(b[48:52], c.OutFenceCount)
}

// Decode reads struct edgetpu_vii_litebuf_response_ioctl (24 bytes)
func (r *VIILitebufResponseIoctl) Decode(b []byte) {
	r.LitebufAddress = le.Uint64(b[0:8])
	r.Seq = le.Uint64(b[8:16])
	r.Code = le.Uint16(b[16:18])
}

// Encode writes r into b
func (r *VIILitebufResponseIoctl) Encode(b []byte) {
	le.PutUint64(b[0:8], r.LitebufAddress)
	le.PutUint64(b[8:16], r.Seq)
	le.PutUint16(b[16:18], r.Code)
	for i := 18; i < 24; i++ {
		b[i] = 0
	}
}
