package thumb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"unicode/utf8"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// AddPNGText inserts text chunks right after IHDR. ASCII values go to tEXt, anything else to
// uncompressed iTXt. Keys are written in sorted order, empty values are skipped.
func AddPNGText(data []byte, text map[string]string) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) || len(data) < len(pngSignature)+8 {
		return nil, errors.New("not a png")
	}
	ihdrLen := int(binary.BigEndian.Uint32(data[8:12]))
	if string(data[12:16]) != "IHDR" {
		return nil, errors.New("png without leading IHDR")
	}
	insertAt := 8 + 12 + ihdrLen // signature, length+type+crc, payload
	if insertAt > len(data) {
		return nil, errors.New("truncated png")
	}

	keys := make([]string, 0, len(text))
	for k, v := range text {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return data, nil
	}
	sort.Strings(keys)

	var chunks bytes.Buffer
	for _, k := range keys {
		if len(k) == 0 || len(k) > 79 {
			return nil, fmt.Errorf("invalid png text key %q", k)
		}
		v := text[k]
		if isASCII(v) {
			writeChunk(&chunks, "tEXt", append(append([]byte(k), 0), v...))
			continue
		}
		// keyword, compression flag and method, empty language tag and translated keyword
		payload := append([]byte(k), 0, 0, 0, 0, 0)
		writeChunk(&chunks, "iTXt", append(payload, v...))
	}

	res := make([]byte, 0, len(data)+chunks.Len())
	res = append(res, data[:insertAt]...)
	res = append(res, chunks.Bytes()...)
	res = append(res, data[insertAt:]...)
	return res, nil
}

// ReadPNGText returns tEXt and uncompressed iTXt chunks of a png
func ReadPNGText(data []byte) (map[string]string, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errors.New("not a png")
	}
	res := map[string]string{}
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		if pos+12+n > len(data) {
			return nil, errors.New("truncated png chunk")
		}
		payload := data[pos+8 : pos+8+n]
		switch typ {
		case "tEXt":
			if k, v, ok := bytes.Cut(payload, []byte{0}); ok {
				res[string(k)] = string(v)
			}
		case "iTXt":
			k, rest, ok := bytes.Cut(payload, []byte{0})
			if !ok || len(rest) < 2 || rest[0] != 0 {
				break // compressed iTXt not supported
			}
			rest = rest[2:]
			if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok { // language tag
				break
			}
			if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok { // translated keyword
				break
			}
			res[string(k)] = string(rest)
		case "IEND":
			return res, nil
		}
		pos += 12 + n
	}
	return res, nil
}

// AddJPEGComment inserts a COM segment right after SOI. Comments too long for a single segment are skipped.
func AddJPEGComment(data []byte, comment string) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errors.New("not a jpeg")
	}
	if comment == "" || len(comment) > 0xFFFF-2 {
		return data, nil
	}
	seg := make([]byte, 4, 4+len(comment))
	seg[0], seg[1] = 0xFF, 0xFE
	binary.BigEndian.PutUint16(seg[2:], uint16(len(comment)+2)) //nolint:gosec // length checked above
	seg = append(seg, comment...)

	res := make([]byte, 0, len(data)+len(seg))
	res = append(res, data[:2]...)
	res = append(res, seg...)
	res = append(res, data[2:]...)
	return res, nil
}

func writeChunk(buf *bytes.Buffer, typ string, payload []byte) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload))) //nolint:gosec // chunk payloads are far below 2^31
	buf.Write(hdr[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(payload)
	buf.WriteString(typ)
	buf.Write(payload)
	binary.BigEndian.PutUint32(hdr[:], crc.Sum32())
	buf.Write(hdr[:])
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
