// Package plist implements the binary-plist wire codec used by Apple's Web
// Inspector remote-debugging protocol: a 4-byte big-endian length prefix
// followed by one `bplist00` record.
//
// Encoding is delegated to howett.net/plist, which is the de facto standard
// Go implementation of Apple's binary property list format; this package
// owns only the length-prefixed framing and buffer reassembly, keeping
// framing (owned by this package) separate from marshaling (owned by
// howett.net/plist).
package plist

import (
	"bytes"
	"encoding/binary"
	"fmt"

	applist "howett.net/plist"
)

// Dict is an in-memory property-list dictionary: string keys mapping to
// nested dictionaries, []interface{} arrays, []byte, string, integer, bool,
// or float64 values — the tree shape Apple's remote-debugging protocol uses
// for every record. In a record decoded by Codec only the top level is a
// Dict: nested dictionaries are map[string]interface{}, and integers have
// the types howett.net/plist decodes them to (uint64 when non-negative).
type Dict map[string]interface{}

// LengthPrefixSize is the width, in bytes, of the framing header.
const LengthPrefixSize = 4

// MaxRecordLength bounds a single decoded record, guarding against a
// corrupt or hostile length prefix turning into an unbounded allocation.
const MaxRecordLength = 64 << 20 // 64 MiB

// CodecError wraps a framing or bplist parse failure. Per §7, a CodecError
// is always fatal: framing is length-based, so once the cursor is
// misaligned there is no way to resynchronize.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("plist codec: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// EncodeRecord renders a property-list tree as a single, length-prefixed
// bplist00 record ready to hand to a transport as one atomic write.
func EncodeRecord(tree Dict) ([]byte, error) {
	body, err := applist.Marshal(map[string]interface{}(tree), applist.BinaryFormat)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}

	out := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out, nil
}

// Codec reassembles records from a byte stream that may be delivered in
// arbitrarily sized chunks. It is restartable: a partial frame leaves the
// internal buffer untouched so the caller can Feed more bytes later.
//
// A Codec is not safe for concurrent use; the single-reader-goroutine
// model (§5) means exactly one goroutine ever calls Feed.
type Codec struct {
	buf bytes.Buffer
}

// NewCodec returns a Codec with an empty reassembly buffer.
func NewCodec() *Codec {
	return &Codec{}
}

// Feed appends chunk to the internal buffer and decodes as many complete
// records as are available, invoking emit for each one in wire order. Feed
// returns a *CodecError if a length-delimited record fails to parse as a
// plist; per §4.1 this is unrecoverable and the caller should disconnect.
func (c *Codec) Feed(chunk []byte, emit func(Dict)) error {
	if len(chunk) > 0 {
		c.buf.Write(chunk)
	}

	for {
		buffered := c.buf.Bytes()
		if len(buffered) < LengthPrefixSize {
			return nil
		}

		length := binary.BigEndian.Uint32(buffered[:LengthPrefixSize])
		if length > MaxRecordLength {
			return &CodecError{Op: "decode", Err: fmt.Errorf("record length %d exceeds maximum %d", length, MaxRecordLength)}
		}

		total := LengthPrefixSize + int(length)
		if len(buffered) < total {
			return nil
		}

		body := buffered[LengthPrefixSize:total]
		var tree map[string]interface{}
		if _, err := applist.Unmarshal(body, &tree); err != nil {
			return &CodecError{Op: "decode", Err: err}
		}

		// advance the cursor before invoking emit, so a panic in emit
		// doesn't leave the already-consumed bytes reprocessed.
		c.buf.Next(total)
		emit(Dict(tree))
	}
}

// Pending returns the number of bytes currently buffered waiting for a
// complete frame. Exposed for diagnostics and tests.
func (c *Codec) Pending() int {
	return c.buf.Len()
}
