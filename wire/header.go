// Package wire defines the on-the-wire framing between replicas: the fixed
// header layout, opcodes, flags, status codes, and the blocking length-exact
// read/write primitives every connection-handling goroutine builds on.
package wire

import "encoding/binary"

// ReplicaVersion is the single wire protocol version this build speaks.
// A peer advertising any other version is rejected before the rest of its
// header is even read (see ReadHeader).
const ReplicaVersion uint16 = 1

type Opcode uint16

const (
	OpHandshake Opcode = iota + 1
	OpRead
	OpWrite
	OpSync
	OpOpen
	OpRebuildStep
	OpRebuildStepDone
	OpRebuildComplete
)

func (o Opcode) String() string {
	switch o {
	case OpHandshake:
		return "HANDSHAKE"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpSync:
		return "SYNC"
	case OpOpen:
		return "OPEN"
	case OpRebuildStep:
		return "REBUILD_STEP"
	case OpRebuildStepDone:
		return "REBUILD_STEP_DONE"
	case OpRebuildComplete:
		return "REBUILD_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

type Flag uint32

const (
	FlagRebuild      Flag = 1 << 0
	FlagReadMetadata Flag = 1 << 1
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

type Status uint32

const (
	StatusOK Status = iota + 1
	StatusFailed
)

// HeaderSize is the fixed, little-endian wire size of Header:
// version(2) + opcode(2) + flags(4) + status(4) + ioSeq(8) +
// checkpointedIoSeq(8) + offset(8) + len(8) = 44 bytes.
const HeaderSize = 2 + 2 + 4 + 4 + 8 + 8 + 8 + 8

// VersionSize is read alone, first, so a bad version never consumes the
// rest of the frame (see ReadHeader).
const VersionSize = 2

// Header is the fixed-size request/response frame exchanged by every
// connection in the system: client I/O and both rebuild roles.
type Header struct {
	Version           uint16
	Opcode            Opcode
	Flags             Flag
	Status            Status
	IoSeq             uint64
	CheckpointedIoSeq uint64
	Offset            uint64
	Len               uint64
}

// Encode serializes h into a HeaderSize-byte little-endian buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Opcode))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Status))
	binary.LittleEndian.PutUint64(buf[12:20], h.IoSeq)
	binary.LittleEndian.PutUint64(buf[20:28], h.CheckpointedIoSeq)
	binary.LittleEndian.PutUint64(buf[28:36], h.Offset)
	binary.LittleEndian.PutUint64(buf[36:44], h.Len)
	return buf
}

// Decode populates h from a HeaderSize-byte little-endian buffer.
func (h *Header) Decode(buf []byte) {
	_ = buf[HeaderSize-1] // bounds check hint
	h.Version = binary.LittleEndian.Uint16(buf[0:2])
	h.Opcode = Opcode(binary.LittleEndian.Uint16(buf[2:4]))
	h.Flags = Flag(binary.LittleEndian.Uint32(buf[4:8]))
	h.Status = Status(binary.LittleEndian.Uint32(buf[8:12]))
	h.IoSeq = binary.LittleEndian.Uint64(buf[12:20])
	h.CheckpointedIoSeq = binary.LittleEndian.Uint64(buf[20:28])
	h.Offset = binary.LittleEndian.Uint64(buf[28:36])
	h.Len = binary.LittleEndian.Uint64(buf[36:44])
}

// SubHeader prefixes each chunk of a WRITE payload (see §6 of the spec this
// protocol implements): concatenated (SubHeader, data[Len]) pairs.
type SubHeader struct {
	IoNum uint64
	Len   uint64
}

const SubHeaderSize = 8 + 8

func (s *SubHeader) Encode() []byte {
	buf := make([]byte, SubHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], s.IoNum)
	binary.LittleEndian.PutUint64(buf[8:16], s.Len)
	return buf
}

func (s *SubHeader) Decode(buf []byte) {
	_ = buf[SubHeaderSize-1]
	s.IoNum = binary.LittleEndian.Uint64(buf[0:8])
	s.Len = binary.LittleEndian.Uint64(buf[8:16])
}

// HasBuffer reports whether a command with this opcode carries a payload
// buffer (READ, WRITE, OPEN), per the IoCmd data model.
func (o Opcode) HasBuffer() bool {
	return o == OpRead || o == OpWrite || o == OpOpen
}
