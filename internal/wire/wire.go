// Package wire is the framed protocol spoken between the front node and
// the storage nodes. A frame is a fixed 12-byte prefix (big-endian u32
// header length, big-endian u64 payload length), a JSON header, and the
// payload bytes. The payload is never part of the JSON: it is copied
// straight off the connection, so arbitrarily large blobs move without
// being buffered.
//
// A connection carries exactly one request/response exchange. Byte
// transfers are independent streams per operation, so there is no frame
// interleaving and no message-id bookkeeping.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Op identifies a request type.
type Op string

const (
	// OpVersion asks the node for its build version. Doubles as the
	// reachability probe.
	OpVersion Op = "version"
	// OpPut stores the payload under the request UUID.
	OpPut Op = "put"
	// OpGet retrieves the blob stored under the request UUID as the
	// response payload.
	OpGet Op = "get"
	// OpDelete removes the blob stored under the request UUID.
	OpDelete Op = "delete"
)

// Request is the JSON header of a client-to-node frame.
type Request struct {
	Op   Op     `json:"op"`
	UUID string `json:"uuid,omitempty"`
}

// Response is the JSON header of a node-to-client frame. A response with
// OK=false carries a node-reported error: the node was reachable and
// answered, so the failure is a rejection, never a retry candidate.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Version string `json:"version,omitempty"`
}

// UnknownLen marks a payload whose length is not known when the frame
// header is written (an upload mid-stream). The sender streams the payload
// and half-closes its side of the connection to mark the end; the receiver
// reads to EOF.
const UnknownLen int64 = -1

// maxHeaderLen bounds the allocation for a frame header. Headers are a
// handful of JSON fields; anything bigger is a corrupt or hostile stream.
const maxHeaderLen = 64 << 10

const prefixLen = 4 + 8

func writeFrame(w io.Writer, header any, payloadLen int64) error {
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding frame header: %w", err)
	}

	enc := uint64(payloadLen)
	if payloadLen == UnknownLen {
		enc = ^uint64(0)
	}

	var prefix [prefixLen]byte
	binary.BigEndian.PutUint32(prefix[0:4], uint32(len(hdr)))
	binary.BigEndian.PutUint64(prefix[4:12], enc)

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, header any) (int64, error) {
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, fmt.Errorf("reading frame prefix: %w", err)
	}

	headerLen := binary.BigEndian.Uint32(prefix[0:4])
	rawLen := binary.BigEndian.Uint64(prefix[4:12])
	if headerLen > maxHeaderLen {
		return 0, fmt.Errorf("frame header of %d bytes exceeds limit", headerLen)
	}
	payloadLen := int64(rawLen)
	if rawLen == ^uint64(0) {
		payloadLen = UnknownLen
	} else if rawLen > 1<<62 {
		return 0, fmt.Errorf("frame payload length %d is not plausible", rawLen)
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("reading frame header: %w", err)
	}
	if err := json.Unmarshal(buf, header); err != nil {
		return 0, fmt.Errorf("decoding frame header: %w", err)
	}
	return payloadLen, nil
}

// WriteRequest writes the request header and frame prefix. The caller must
// then write exactly payloadLen payload bytes to w.
func WriteRequest(w io.Writer, req Request, payloadLen int64) error {
	return writeFrame(w, req, payloadLen)
}

// ReadRequest reads a request header and returns the payload length. The
// caller must consume exactly that many bytes from r before reading the
// next frame.
func ReadRequest(r io.Reader) (Request, int64, error) {
	var req Request
	n, err := readFrame(r, &req)
	return req, n, err
}

// WriteResponse writes the response header and frame prefix. The caller
// must then write exactly payloadLen payload bytes to w.
func WriteResponse(w io.Writer, resp Response, payloadLen int64) error {
	return writeFrame(w, resp, payloadLen)
}

// ReadResponse reads a response header and returns the payload length.
func ReadResponse(r io.Reader) (Response, int64, error) {
	var resp Response
	n, err := readFrame(r, &resp)
	return resp, n, err
}
