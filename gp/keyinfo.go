package gp

import (
	"github.com/pkg/errors"
)

const (
	tagKeyInformationTemplate byte = 0xE0
	tagKeyInformationData     byte = 0xC0
)

// KeyComponent is the type and length of one key of a key set.
type KeyComponent struct {
	Type   byte
	Length byte
}

// KeyInfo is an entry of the Key Information Template.
type KeyInfo struct {
	ID         byte
	Version    byte
	Components []KeyComponent
}

// ParseKeyInformation parses the Key Information Template returned by GET DATA 'E0'. The template
// wrapper is optional. Entries shorter than a key identifier, version and one component are skipped.
func ParseKeyInformation(b []byte) ([]KeyInfo, error) {
	var entries []KeyInfo

	for len(b) > 0 {
		tag, value, rest, err := nextTLV(b)
		if err != nil {
			return nil, err
		}

		b = rest

		switch tag {
		case tagKeyInformationTemplate:
			nested, err := ParseKeyInformation(value)
			if err != nil {
				return nil, errors.Wrap(err, "key information template")
			}

			entries = append(entries, nested...)
		case tagKeyInformationData:
			if len(value) < 4 {
				continue
			}

			info := KeyInfo{ID: value[0], Version: value[1]}
			for i := 2; i+1 < len(value); i += 2 {
				info.Components = append(info.Components, KeyComponent{Type: value[i], Length: value[i+1]})
			}

			entries = append(entries, info)
		}
	}

	return entries, nil
}

// nextTLV splits the first single byte tag TLV off b. Lengths up to two bytes are supported.
func nextTLV(b []byte) (tag byte, value, rest []byte, err error) {
	if len(b) < 2 {
		return 0, nil, nil, errors.Errorf("truncated TLV %02X", b)
	}

	tag = b[0]
	if tag&0x1F == 0x1F {
		return 0, nil, nil, errors.Errorf("unsupported multi-byte tag %02X", b[:2])
	}

	offset, l := 2, int(b[1])

	switch {
	case b[1] < 0x80:
	case b[1] == 0x81 && len(b) > 2:
		offset, l = 3, int(b[2])
	case b[1] == 0x82 && len(b) > 3:
		offset, l = 4, int(b[2])<<8|int(b[3])
	default:
		return 0, nil, nil, errors.Errorf("invalid length of tag %02X", tag)
	}

	if offset+l > len(b) {
		return 0, nil, nil, errors.Errorf("tag %02X: length %d exceeds remaining %d bytes", tag, l, len(b)-offset)
	}

	return tag, b[offset : offset+l], b[offset+l:], nil
}
