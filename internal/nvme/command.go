// Package nvme defines the NVMe submission/completion queue entry
// layouts driven by this module, bit-exact per the NVMe command set:
// a 64-byte submission queue entry (Command) and a 16-byte completion
// queue entry (Completion). Field names follow the convention used by
// Linux's nvme_ioctl.h-derived Go bindings (cdw10..cdw15, nsid, ...).
package nvme

import (
	"encoding/binary"
	"unsafe"
)

// Opcode direction bits, encoded in the low two bits of the opcode byte
// per the NVMe specification.
const (
	OpcodeDirHostToController = 1 << 0
	OpcodeDirControllerToHost = 1 << 1
)

// Admin opcodes used by the bundled demo and tests.
const (
	AdminOpcodeIdentify    uint8 = 0x06
	AdminOpcodeGetLogPage  uint8 = 0x02
	AdminOpcodeCreateIOSQ  uint8 = 0x01
	AdminOpcodeCreateIOCQ  uint8 = 0x05
	AdminOpcodeAbort       uint8 = 0x08
	AdminOpcodeSetFeatures uint8 = 0x09
)

// IO opcodes used by the bundled demo and tests.
const (
	IOOpcodeFlush uint8 = 0x00
	IOOpcodeWrite uint8 = 0x01
	IOOpcodeRead  uint8 = 0x02
)

// Opcode wraps a raw NVMe opcode byte and exposes the data-direction
// bits that determine which way DPTR-referenced memory is transferred.
type Opcode uint8

// TransferHostToController reports whether the command moves data from
// host memory to the controller (e.g. WRITE).
func (o Opcode) TransferHostToController() bool {
	return uint8(o)&OpcodeDirHostToController != 0
}

// TransferControllerToHost reports whether the command moves data from
// the controller to host memory (e.g. READ).
func (o Opcode) TransferControllerToHost() bool {
	return uint8(o)&OpcodeDirControllerToHost != 0
}

// Cdw0 is the first command dword: opcode, fused-operation flags, and
// the command identifier assigned by PendingCommands.
type Cdw0 struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
}

// Command is a 64-byte NVMe submission queue entry.
type Command struct {
	Cdw0  Cdw0
	NSID  uint32
	Cdw2  uint32
	Cdw3  uint32
	MPTR  uint64
	DPTR  [2]uint64
	Cdw10 uint32
	Cdw11 uint32
	Cdw12 uint32
	Cdw13 uint32
	Cdw14 uint32
	Cdw15 uint32
}

// Compile-time size check: a submission queue entry is exactly 64 bytes.
var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// Opcode returns the command's opcode as a typed value.
func (c *Command) Opcode() Opcode { return Opcode(c.Cdw0.Opcode) }

// Completion is a 16-byte NVMe completion queue entry.
type Completion struct {
	// DW0 carries command-specific completion data.
	DW0 uint32
	// Reserved is the unused second completion dword.
	Reserved uint32
	// SQHD is the submission queue head pointer after this command
	// was consumed; SQID names the submission queue it completed on.
	SQHD uint16
	SQID uint16
	CID  uint16
	// Status packs the phase tag (bit 0) and the NVMe status code
	// (bits 1-15). Use StatusCode to extract the status without the
	// phase bit.
	Status uint16
}

// Compile-time size check: a completion queue entry is exactly 16 bytes.
var _ [16]byte = [unsafe.Sizeof(Completion{})]byte{}

// Phase returns the completion's phase tag bit.
func (c *Completion) Phase() bool { return c.Status&1 != 0 }

// StatusCode returns the NVMe status code with the phase bit stripped.
// Zero means success.
func (c *Completion) StatusCode() uint16 { return c.Status >> 1 }

// MarshalCommand encodes a Command into its 64-byte little-endian wire
// form, ready to be written into submission queue memory.
func MarshalCommand(c *Command) []byte {
	buf := make([]byte, 64)
	buf[0] = c.Cdw0.Opcode
	buf[1] = c.Cdw0.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.Cdw0.CID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], c.Cdw2)
	binary.LittleEndian.PutUint32(buf[12:16], c.Cdw3)
	binary.LittleEndian.PutUint64(buf[16:24], c.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], c.DPTR[0])
	binary.LittleEndian.PutUint64(buf[32:40], c.DPTR[1])
	binary.LittleEndian.PutUint32(buf[40:44], c.Cdw10)
	binary.LittleEndian.PutUint32(buf[44:48], c.Cdw11)
	binary.LittleEndian.PutUint32(buf[48:52], c.Cdw12)
	binary.LittleEndian.PutUint32(buf[52:56], c.Cdw13)
	binary.LittleEndian.PutUint32(buf[56:60], c.Cdw14)
	binary.LittleEndian.PutUint32(buf[60:64], c.Cdw15)
	return buf
}

// UnmarshalCommand decodes a 64-byte submission queue entry, the
// inverse of MarshalCommand. Used by simulated controllers that read
// commands back out of SQ memory.
func UnmarshalCommand(data []byte) Command {
	var c Command
	c.Cdw0.Opcode = data[0]
	c.Cdw0.Flags = data[1]
	c.Cdw0.CID = binary.LittleEndian.Uint16(data[2:4])
	c.NSID = binary.LittleEndian.Uint32(data[4:8])
	c.Cdw2 = binary.LittleEndian.Uint32(data[8:12])
	c.Cdw3 = binary.LittleEndian.Uint32(data[12:16])
	c.MPTR = binary.LittleEndian.Uint64(data[16:24])
	c.DPTR[0] = binary.LittleEndian.Uint64(data[24:32])
	c.DPTR[1] = binary.LittleEndian.Uint64(data[32:40])
	c.Cdw10 = binary.LittleEndian.Uint32(data[40:44])
	c.Cdw11 = binary.LittleEndian.Uint32(data[44:48])
	c.Cdw12 = binary.LittleEndian.Uint32(data[48:52])
	c.Cdw13 = binary.LittleEndian.Uint32(data[52:56])
	c.Cdw14 = binary.LittleEndian.Uint32(data[56:60])
	c.Cdw15 = binary.LittleEndian.Uint32(data[60:64])
	return c
}

// UnmarshalCompletion decodes a 16-byte completion queue entry.
func UnmarshalCompletion(data []byte) Completion {
	var c Completion
	c.DW0 = binary.LittleEndian.Uint32(data[0:4])
	c.Reserved = binary.LittleEndian.Uint32(data[4:8])
	c.SQHD = binary.LittleEndian.Uint16(data[8:10])
	c.SQID = binary.LittleEndian.Uint16(data[10:12])
	c.CID = binary.LittleEndian.Uint16(data[12:14])
	c.Status = binary.LittleEndian.Uint16(data[14:16])
	return c
}

// MarshalCompletion encodes a Completion into its 16-byte wire form.
// Used by simulated controllers in tests and the bundled demo.
func MarshalCompletion(c *Completion) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.Reserved)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHD)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)
	return buf
}

// AdminCommand builds a zero-valued Command with only the opcode set,
// for callers that fabricate admin commands without data transfer.
func AdminCommand(opcode uint8) Command {
	return Command{Cdw0: Cdw0{Opcode: opcode}}
}
