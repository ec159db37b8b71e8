package urs

import (
	"encoding/binary"

	"undorecordset/internal/urstypes"
)

// chunkHeader is the decoded form of the bytes written at a chunk's
// header location. The size field is placed first, deliberately, so that
// closing a chunk only ever has to overwrite the leading 8 bytes in place
// without disturbing the previous-chunk link or type byte that may already
// have been read by a concurrent backend.
type chunkHeader struct {
	Size     uint64 // 0 means "still open"
	Previous urstypes.UndoRecPtr
	Type     urstypes.RecordSetType
}

func encodeChunkHeader(h chunkHeader) []byte {
	buf := make([]byte, urstypes.SizeOfChunkHeader)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Previous))
	buf[16] = byte(h.Type)
	return buf
}

func decodeChunkHeader(buf []byte) chunkHeader {
	return chunkHeader{
		Size:     binary.LittleEndian.Uint64(buf[0:8]),
		Previous: urstypes.UndoRecPtr(binary.LittleEndian.Uint64(buf[8:16])),
		Type:     urstypes.RecordSetType(buf[16]),
	}
}

// encodeSize produces just the 8-byte size field written when a chunk is
// closed, since Overwrite only ever touches that leading slice of the
// header.
func encodeSize(size uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, size)
	return buf
}
