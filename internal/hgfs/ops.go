package hgfs

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Message bodies. Each body follows the generic header of its packet and is
// encoded with msgpack. Operations without a type here (OpPing, and the reply
// to OpClose) have an empty body.
type (
	GetattrRequest struct {
		Path string `msgpack:"path"`
	}

	// Attr describes a file on the host.
	Attr struct {
		Type    FileType  `msgpack:"type"`
		Size    uint64    `msgpack:"size"`
		Mode    uint32    `msgpack:"mode"` // Permission bits.
		ModTime time.Time `msgpack:"mtime"`
	}

	OpenRequest struct {
		Path   string     `msgpack:"path"`
		Mode   AccessMode `msgpack:"mode"`
		Create bool       `msgpack:"create"`
	}

	OpenReply struct {
		Handle Handle `msgpack:"handle"`
		Attr   Attr   `msgpack:"attr"`
	}

	ReadRequest struct {
		Handle Handle `msgpack:"handle"`
		Offset uint64 `msgpack:"offset"`
		Size   uint32 `msgpack:"size"`
	}

	ReadReply struct {
		Data []byte `msgpack:"data"`
	}

	WriteRequest struct {
		Handle Handle `msgpack:"handle"`
		Offset uint64 `msgpack:"offset"`
		Data   []byte `msgpack:"data"`
	}

	WriteReply struct {
		Written uint32 `msgpack:"written"`
	}

	CloseRequest struct {
		Handle Handle `msgpack:"handle"`
	}

	ReadDirRequest struct {
		Path string `msgpack:"path"`
	}

	// DirEntry is a single entry returned by OpReadDir.
	DirEntry struct {
		Name string   `msgpack:"name"`
		Type FileType `msgpack:"type"`
	}

	ReadDirReply struct {
		Entries []DirEntry `msgpack:"entries"`
	}
)

// EncodeRequest writes hdr followed by the encoded body into buf and returns
// the total number of bytes written. body may be nil.
func EncodeRequest(buf []byte, hdr RequestHeader, body interface{}) (int, error) {
	n, err := hdr.MarshalTo(buf)
	if err != nil {
		return 0, err
	}
	return encodeBody(buf, n, body)
}

// DecodeRequest reads the header of a request in buf and decodes its body into
// body. body may be nil to only read the header.
func DecodeRequest(buf []byte, body interface{}) (RequestHeader, error) {
	hdr, err := DecodeRequestHeader(buf)
	if err != nil {
		return hdr, err
	}
	return hdr, decodeBody(buf[RequestHeaderSize:], body)
}

// EncodeReply writes hdr followed by the encoded body into buf and returns
// the total number of bytes written. body may be nil.
func EncodeReply(buf []byte, hdr ReplyHeader, body interface{}) (int, error) {
	n, err := hdr.MarshalTo(buf)
	if err != nil {
		return 0, err
	}
	return encodeBody(buf, n, body)
}

// DecodeReply reads the header of a reply in buf. If the reply indicates
// success, its body is decoded into body.
func DecodeReply(buf []byte, body interface{}) (ReplyHeader, error) {
	hdr, err := DecodeReplyHeader(buf)
	if err != nil {
		return hdr, err
	}
	if hdr.Status != 0 {
		return hdr, nil
	}
	return hdr, decodeBody(buf[ReplyHeaderSize:], body)
}

func encodeBody(buf []byte, off int, body interface{}) (int, error) {
	if body == nil {
		return off, nil
	}
	data, err := msgpack.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding %T: %w", body, err)
	}
	if off+len(data) > len(buf) {
		return 0, fmt.Errorf("%T body of %d bytes does not fit in packet: %w", body, len(data), ErrorInvalidParameter)
	}
	return off + copy(buf[off:], data), nil
}

func decodeBody(buf []byte, body interface{}) error {
	if body == nil {
		return nil
	}
	if len(buf) == 0 {
		return fmt.Errorf("missing %T body: %w", body, ErrorProtocol)
	}
	if err := msgpack.Unmarshal(buf, body); err != nil {
		return fmt.Errorf("decoding %T: %v: %w", body, err, ErrorProtocol)
	}
	return nil
}
