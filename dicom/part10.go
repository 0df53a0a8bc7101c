package dicom

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/caio-sobreiro/dicomgateway/types"
)

const (
	preambleLength = 128
	headerLength   = preambleLength + 4

	// maxMetaValueLength bounds a single File Meta element; real meta values are UIDs and short strings.
	maxMetaValueLength = 1 << 16
)

// File Meta Information tags
var (
	TagMediaStorageSOPClassUID    = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID          = Tag{0x0002, 0x0010}
)

// FileMeta is the subset of Part 10 File Meta Information the gateway needs
// to put an instance on the wire.
type FileMeta struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
}

// SplitPart10 inspects the head of r. If r carries a DICOM Part 10 header
// (128 byte preamble, "DICM", group 0002 elements) the File Meta Information
// is consumed and returned, and the returned reader starts at the first data
// set element. Otherwise meta is nil and the returned reader yields r unchanged.
//
// Only the header is buffered; the data set itself is never read into memory.
func SplitPart10(r io.Reader) (*FileMeta, io.Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok || br.Size() < headerLength {
		br = bufio.NewReaderSize(r, 4096)
	}

	head, err := br.Peek(headerLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, errors.Wrap(err, "peeking Part 10 header")
	}
	if len(head) < headerLength || string(head[preambleLength:]) != "DICM" {
		return nil, br, nil
	}
	if _, err := br.Discard(headerLength); err != nil {
		return nil, nil, errors.WithStack(err)
	}

	meta := &FileMeta{}
	for {
		tagBytes, err := br.Peek(4)
		if errors.Is(err, io.EOF) {
			// File Meta with an empty data set
			return meta, br, nil
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading File Meta tag")
		}
		group := binary.LittleEndian.Uint16(tagBytes[0:2])
		if group != 0x0002 {
			return meta, br, nil
		}
		element := binary.LittleEndian.Uint16(tagBytes[2:4])

		value, err := readExplicitMetaElement(br)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading File Meta element (0002,%04x)", element)
		}

		switch (Tag{Group: group, Element: element}) {
		case TagMediaStorageSOPClassUID:
			meta.SOPClassUID = types.TrimUID(string(value))
		case TagMediaStorageSOPInstanceUID:
			meta.SOPInstanceUID = types.TrimUID(string(value))
		case TagTransferSyntaxUID:
			meta.TransferSyntaxUID = types.TrimUID(string(value))
		}
	}
}

// readExplicitMetaElement consumes one Explicit VR Little Endian element and returns its value.
func readExplicitMetaElement(br *bufio.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, errors.WithStack(err)
	}

	var length uint32
	if isLongVR(string(header[4:6])) {
		var long [4]byte
		if _, err := io.ReadFull(br, long[:]); err != nil {
			return nil, errors.WithStack(err)
		}
		length = binary.LittleEndian.Uint32(long[:])
	} else {
		length = uint32(binary.LittleEndian.Uint16(header[6:8]))
	}

	if length > maxMetaValueLength {
		return nil, errors.Errorf("value length %d exceeds limit", length)
	}

	value := make([]byte, length)
	if _, err := io.ReadFull(br, value); err != nil {
		return nil, errors.WithStack(err)
	}
	return value, nil
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
func HasPart10Header(data []byte) bool {
	if len(data) < headerLength {
		return false
	}
	return string(data[preambleLength:headerLength]) == "DICM"
}

// EncodeFileMeta returns the preamble, "DICM" prefix and File Meta
// Information for meta. A data set encoded in meta.TransferSyntaxUID appended
// to it forms a complete Part 10 file.
func EncodeFileMeta(meta FileMeta) []byte {
	var elements []byte
	elements = appendExplicitElement(elements, Tag{0x0002, 0x0001}, "OB", []byte{0x00, 0x01})
	elements = appendExplicitElement(elements, TagMediaStorageSOPClassUID, "UI", padUID(meta.SOPClassUID))
	elements = appendExplicitElement(elements, TagMediaStorageSOPInstanceUID, "UI", padUID(meta.SOPInstanceUID))
	elements = appendExplicitElement(elements, TagTransferSyntaxUID, "UI", padUID(meta.TransferSyntaxUID))
	elements = appendExplicitElement(elements, Tag{0x0002, 0x0012}, "UI", padUID(types.ImplementationClassUID))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(elements)))

	out := make([]byte, headerLength, headerLength+12+len(elements))
	copy(out[preambleLength:], "DICM")
	out = appendExplicitElement(out, Tag{0x0002, 0x0000}, "UL", groupLength)
	return append(out, elements...)
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}
