package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FileMeta is the payload of a PUBLISH_FILE frame:
// [u32 filename length][filename bytes][u32 file size], little-endian.
type FileMeta struct {
	Name string
	Size uint32
}

var errMetaTruncated = errors.New("protocol: truncated file metadata")

// Encode renders the metadata payload.
func (m FileMeta) Encode() []byte {
	buf := make([]byte, 4+len(m.Name)+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(m.Name)))
	copy(buf[4:], m.Name)
	binary.LittleEndian.PutUint32(buf[4+len(m.Name):], m.Size)
	return buf
}

// ParseFileMeta decodes a PUBLISH_FILE payload.
func ParseFileMeta(payload []byte) (FileMeta, error) {
	if len(payload) < 8 {
		return FileMeta{}, errMetaTruncated
	}
	nameLen := binary.LittleEndian.Uint32(payload)
	if uint64(nameLen)+8 > uint64(len(payload)) {
		return FileMeta{}, fmt.Errorf("%w: name length %d exceeds payload", errMetaTruncated, nameLen)
	}
	name := string(payload[4 : 4+nameLen])
	size := binary.LittleEndian.Uint32(payload[4+nameLen:])
	return FileMeta{Name: name, Size: size}, nil
}
