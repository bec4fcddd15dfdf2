package hgfs

import (
	"encoding/binary"
	"fmt"
)

// ID types used for the lifetime of a session.
type (
	// Handle is a host-assigned handle for an open file or directory search.
	// Handles are only meaningful to the host which assigned them.
	Handle uint32

	// NodeID is a synthetic inode number derived from a path. 0 is never a
	// valid NodeID.
	NodeID uint64
)

// Op is an operation code sent in every request header.
type Op uint32

// Supported operations.
const (
	OpPing    Op = 0x0 // Round trip with no body.
	OpGetattr Op = 0x1 // Get attributes of a path.
	OpOpen    Op = 0x2 // Open a file, returning a Handle.
	OpRead    Op = 0x3 // Read from an open Handle.
	OpWrite   Op = 0x4 // Write to an open Handle.
	OpClose   Op = 0x5 // Close a Handle.
	OpReadDir Op = 0x6 // List a directory.
)

var opNames = map[Op]string{
	OpPing:    "PING",
	OpGetattr: "GETATTR",
	OpOpen:    "OPEN",
	OpRead:    "READ",
	OpWrite:   "WRITE",
	OpClose:   "CLOSE",
	OpReadDir: "READDIR",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP(%d)", uint32(o))
}

// Enum types.
type (
	// FileType is the type of a file on the host.
	FileType uint32

	// AccessMode is the mode a file was opened with.
	AccessMode uint32
)

// Enum values.
const (
	FileTypeRegular   FileType = 0x0 // Regular file
	FileTypeDirectory FileType = 0x1 // Directory
	FileTypeSymlink   FileType = 0x2 // Symbolic link

	ModeReadOnly  AccessMode = 0x0 // Open for reading
	ModeWriteOnly AccessMode = 0x1 // Open for writing
	ModeReadWrite AccessMode = 0x2 // Open for reading and writing
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("filetype(%d)", uint32(t))
	}
}

func (m AccessMode) String() string {
	switch m {
	case ModeReadOnly:
		return "ro"
	case ModeWriteOnly:
		return "wo"
	case ModeReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
}

// Header sizes in bytes. Both headers are little-endian and sit at the start
// of a packet; the operation-specific body follows.
const (
	RequestHeaderSize = 8
	ReplyHeaderSize   = 8
)

type (
	// RequestHeader is present in every request.
	RequestHeader struct {
		ID uint32 // Reply must match this value.
		Op Op     // Operation requested.
	}

	// ReplyHeader is present in every reply.
	ReplyHeader struct {
		ID     uint32 // Request for which this reply applies to.
		Status Error  // 0 on success.
	}
)

// MarshalTo writes h to the start of buf, returning the number of bytes
// written.
func (h RequestHeader) MarshalTo(buf []byte) (int, error) {
	if len(buf) < RequestHeaderSize {
		return 0, fmt.Errorf("buffer too small for request header: %w", ErrorProtocol)
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.ID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Op))
	return RequestHeaderSize, nil
}

// DecodeRequestHeader reads a RequestHeader from the start of buf.
func DecodeRequestHeader(buf []byte) (RequestHeader, error) {
	if len(buf) < RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("short request header (%d bytes): %w", len(buf), ErrorProtocol)
	}
	return RequestHeader{
		ID: binary.LittleEndian.Uint32(buf[0:4]),
		Op: Op(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// MarshalTo writes h to the start of buf, returning the number of bytes
// written.
func (h ReplyHeader) MarshalTo(buf []byte) (int, error) {
	if len(buf) < ReplyHeaderSize {
		return 0, fmt.Errorf("buffer too small for reply header: %w", ErrorProtocol)
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.ID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Status))
	return ReplyHeaderSize, nil
}

// Err returns the reply status as an error, or nil on success.
func (h ReplyHeader) Err() error {
	if h.Status == 0 {
		return nil
	}
	return h.Status
}

// DecodeReplyHeader reads a ReplyHeader from the start of buf.
func DecodeReplyHeader(buf []byte) (ReplyHeader, error) {
	if len(buf) < ReplyHeaderSize {
		return ReplyHeader{}, fmt.Errorf("short reply header (%d bytes): %w", len(buf), ErrorProtocol)
	}
	return ReplyHeader{
		ID:     binary.LittleEndian.Uint32(buf[0:4]),
		Status: Error(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// CheckReply validates that reply answers request. Channels call CheckReply
// before completing a packet so a desynchronized stream is treated as a
// transport failure.
func CheckReply(request, reply []byte) error {
	if len(reply) > MaxPacketSize {
		return fmt.Errorf("reply of %d bytes exceeds maximum packet size: %w", len(reply), ErrorProtocol)
	}
	reqHdr, err := DecodeRequestHeader(request)
	if err != nil {
		return err
	}
	repHdr, err := DecodeReplyHeader(reply)
	if err != nil {
		return err
	}
	if reqHdr.ID != repHdr.ID {
		return fmt.Errorf("reply ID %d does not match request ID %d: %w", repHdr.ID, reqHdr.ID, ErrorProtocol)
	}
	return nil
}
