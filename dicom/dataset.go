// Package dicom holds the small amount of data set handling the gateway needs:
// reading C-MOVE identifiers and separating Part 10 file meta from the data set
// that goes on the wire.
package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Identifier tags used by C-MOVE
var (
	TagSOPClassUID         = Tag{0x0008, 0x0016}
	TagSOPInstanceUID      = Tag{0x0008, 0x0018}
	TagQueryRetrieveLevel  = Tag{0x0008, 0x0052}
	TagPatientID           = Tag{0x0010, 0x0020}
	TagStudyInstanceUID    = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID   = Tag{0x0020, 0x000E}
	TagSequenceDelimiter   = Tag{0xFFFE, 0xE0DD}
	TagItemDelimitationTag = Tag{0xFFFE, 0xE00D}
)

var vrByTag = map[Tag]string{
	TagSOPClassUID:        "UI",
	TagSOPInstanceUID:     "UI",
	TagQueryRetrieveLevel: "CS",
	TagPatientID:          "LO",
	TagStudyInstanceUID:   "UI",
	TagSeriesInstanceUID:  "UI",
}

const undefinedLength = 0xFFFFFFFF

// Dataset is a flat view of the top-level string-valued elements of a data
// set. Sequences are skipped.
type Dataset struct {
	values map[Tag]string
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{values: map[Tag]string{}}
}

// Set stores a string value.
func (d *Dataset) Set(tag Tag, value string) {
	d.values[tag] = value
}

// GetString returns the value for tag with padding removed.
func (d *Dataset) GetString(tag Tag) string {
	return strings.TrimRight(strings.TrimSpace(d.values[tag]), "\x00")
}

// ParseDataset parses an Implicit or Explicit VR Little Endian data set.
// An empty transfer syntax means Implicit VR Little Endian, the DIMSE default.
func ParseDataset(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case "", types.ImplicitVRLittleEndian:
		return parse(data, false)
	case types.ExplicitVRLittleEndian:
		return parse(data, true)
	default:
		// Encapsulated syntaxes keep an Explicit VR Little Endian header.
		return parse(data, true)
	}
}

func parse(data []byte, explicit bool) (*Dataset, error) {
	ds := NewDataset()
	offset := 0

	for offset < len(data) {
		h, err := readHeader(data, offset, explicit)
		if err != nil {
			return nil, err
		}

		if h.length == undefinedLength {
			end, err := skipUndefined(data, h.valueOffset, explicit)
			if err != nil {
				return nil, errors.Wrapf(err, "skipping %s", h.tag)
			}
			offset = end
			continue
		}

		end := h.valueOffset + int(h.length)
		if end > len(data) {
			return nil, errors.Errorf("element %s length %d exceeds data set", h.tag, h.length)
		}
		if h.vr != "SQ" && h.vr != "OB" && h.vr != "OW" && h.vr != "UN" {
			ds.values[h.tag] = string(data[h.valueOffset:end])
		}
		offset = end
	}

	return ds, nil
}

type elementHeader struct {
	tag         Tag
	vr          string
	length      uint32
	valueOffset int
}

func readHeader(data []byte, offset int, explicit bool) (elementHeader, error) {
	if offset+8 > len(data) {
		return elementHeader{}, errors.Errorf("truncated element header at offset %d", offset)
	}

	h := elementHeader{
		tag: Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		},
	}

	// Item and delimiter tags never carry a VR.
	if !explicit || h.tag.Group == 0xFFFE {
		h.vr = vrByTag[h.tag]
		h.length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		h.valueOffset = offset + 8
		return h, nil
	}

	h.vr = string(data[offset+4 : offset+6])
	if !isLongVR(h.vr) {
		h.length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
		h.valueOffset = offset + 8
		return h, nil
	}
	if offset+12 > len(data) {
		return elementHeader{}, errors.Errorf("truncated element header at %s", h.tag)
	}
	h.length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
	h.valueOffset = offset + 12
	return h, nil
}

// skipUndefined returns the offset just past the delimiter closing an
// undefined-length element whose value starts at offset.
func skipUndefined(data []byte, offset int, explicit bool) (int, error) {
	depth := 1
	for offset < len(data) {
		h, err := readHeader(data, offset, explicit)
		if err != nil {
			return 0, err
		}
		offset = h.valueOffset

		switch {
		case h.tag == TagSequenceDelimiter || h.tag == TagItemDelimitationTag:
			depth--
			if depth == 0 {
				return offset, nil
			}
		case h.length == undefinedLength:
			depth++
		case h.tag.Group == 0xFFFE:
			// defined-length item: its elements follow
		default:
			offset += int(h.length)
		}
	}
	return 0, errors.New("sequence delimiter not found")
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

// EncodeImplicit encodes the dataset in Implicit VR Little Endian, tags ascending.
func (d *Dataset) EncodeImplicit() []byte {
	var out []byte
	for _, tag := range d.sortedTags() {
		out = appendImplicitElement(out, tag, padValue(tag, d.values[tag]))
	}
	return out
}

// EncodeExplicit encodes the dataset in Explicit VR Little Endian, tags ascending.
func (d *Dataset) EncodeExplicit() []byte {
	var out []byte
	for _, tag := range d.sortedTags() {
		vr, ok := vrByTag[tag]
		if !ok {
			vr = "LO"
		}
		out = appendExplicitElement(out, tag, vr, padValue(tag, d.values[tag]))
	}
	return out
}

func (d *Dataset) sortedTags() []Tag {
	tags := make([]Tag, 0, len(d.values))
	for tag := range d.values {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

func padValue(tag Tag, value string) []byte {
	b := []byte(value)
	if len(b)%2 == 1 {
		if vrByTag[tag] == "UI" {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	return b
}

func appendImplicitElement(buf []byte, tag Tag, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, tag.Group)
	buf = binary.LittleEndian.AppendUint16(buf, tag.Element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendExplicitElement(buf []byte, tag Tag, vr string, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, tag.Group)
	buf = binary.LittleEndian.AppendUint16(buf, tag.Element)
	buf = append(buf, vr...)
	if isLongVR(vr) {
		buf = append(buf, 0x00, 0x00)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	}
	return append(buf, value...)
}
