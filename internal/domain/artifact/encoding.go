package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// Encoding is the text encoding tag persisted next to the text bytes.
type Encoding string

const (
	UTF8  Encoding = "utf8"
	UTF16 Encoding = "utf16"
	UTF32 Encoding = "utf32"

	// Auto is a configuration value only; it is resolved per text by Recommend.
	Auto Encoding = "auto"
)

// FallbackChain is the fixed order tried when a stored tag does not decode.
var FallbackChain = []Encoding{UTF8, UTF16, UTF32}

// ParseEncoding accepts the canonical tags and the dashed spellings
// ("utf-8", "UTF-16"). An empty string means UTF8.
func ParseEncoding(raw string) (Encoding, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "", "_", "").Replace(normalized)

	switch normalized {
	case "", "utf8":
		return UTF8, nil
	case "utf16":
		return UTF16, nil
	case "utf32":
		return UTF32, nil
	case "auto":
		return Auto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, raw)
	}
}

// ParseRequestedEncoding is ParseEncoding for caller input: an omitted
// encoding stays empty so the store default applies.
func ParseRequestedEncoding(raw string) (Encoding, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return ParseEncoding(raw)
}

func (e Encoding) Valid() bool {
	switch e {
	case UTF8, UTF16, UTF32:
		return true
	default:
		return false
	}
}

func (e Encoding) String() string { return string(e) }

// Recommend returns UTF16 when more than half of the runes are CJK, Kana or
// Hangul, UTF8 otherwise.
func Recommend(text string) Encoding {
	total, wide := 0, 0
	for _, r := range text {
		total++
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			wide++
		}
	}
	if total > 0 && wide*2 > total {
		return UTF16
	}
	return UTF8
}

// Encode converts text into bytes under preferred. An empty preferred
// encoding means UTF8 and Auto is resolved through Recommend. UTF16 and
// UTF32 output is little endian with a byte order mark.
func Encode(text string, preferred Encoding) ([]byte, Encoding, error) {
	enc := preferred
	switch enc {
	case "":
		enc = UTF8
	case Auto:
		enc = Recommend(text)
	}
	if !enc.Valid() {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, string(preferred))
	}
	if !utf8.ValidString(text) {
		return nil, "", fmt.Errorf("%w: text is not valid unicode", ErrEncodingMismatch)
	}

	if enc == UTF8 {
		return []byte(text), UTF8, nil
	}

	out, err := codecFor(enc, littleEndian, true).NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode %s: %v", ErrEncodingMismatch, enc, err)
	}
	return out, enc, nil
}

// Decode converts raw back to text. Malformed input under enc yields
// ErrEncodingMismatch; replacement characters are never silently produced.
func Decode(raw []byte, enc Encoding) (string, error) {
	if !enc.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, string(enc))
	}
	if len(raw) == 0 {
		return "", nil
	}

	switch enc {
	case UTF8:
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("%w: invalid utf8 sequence", ErrEncodingMismatch)
		}
		return string(raw), nil
	case UTF16:
		if len(raw)%2 != 0 {
			return "", fmt.Errorf("%w: utf16 payload has odd length %d", ErrEncodingMismatch, len(raw))
		}
	case UTF32:
		if len(raw)%4 != 0 {
			return "", fmt.Errorf("%w: utf32 payload length %d is not a multiple of 4", ErrEncodingMismatch, len(raw))
		}
	}

	order, hasBOM := detectBOM(raw, enc)
	decoded, err := codecFor(enc, order, hasBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrEncodingMismatch, enc, err)
	}

	// The x/text decoders substitute U+FFFD for malformed units, so a clean
	// decode must re-encode to the exact input.
	again, err := codecFor(enc, order, hasBOM).NewEncoder().Bytes(decoded)
	if err != nil || !bytes.Equal(again, raw) {
		return "", fmt.Errorf("%w: malformed %s sequence", ErrEncodingMismatch, enc)
	}
	return string(decoded), nil
}

// DecodeWithFallback tries tag first, then FallbackChain in order. It
// returns the encoding that succeeded.
func DecodeWithFallback(raw []byte, tag Encoding) (string, Encoding, error) {
	attempts := make([]Encoding, 0, len(FallbackChain)+1)
	if tag.Valid() {
		attempts = append(attempts, tag)
	}
	for _, enc := range FallbackChain {
		if enc != tag {
			attempts = append(attempts, enc)
		}
	}

	var failures []error
	for _, enc := range attempts {
		text, err := Decode(raw, enc)
		if err == nil {
			return text, enc, nil
		}
		failures = append(failures, err)
	}
	return "", "", fmt.Errorf("%w: no encoding in fallback chain decoded %d bytes: %v", ErrEncodingMismatch, len(raw), errors.Join(failures...))
}

type byteOrder int

const (
	littleEndian byteOrder = iota
	bigEndian
)

func detectBOM(raw []byte, enc Encoding) (byteOrder, bool) {
	switch enc {
	case UTF16:
		if bytes.HasPrefix(raw, []byte{0xFF, 0xFE}) {
			return littleEndian, true
		}
		if bytes.HasPrefix(raw, []byte{0xFE, 0xFF}) {
			return bigEndian, true
		}
	case UTF32:
		if bytes.HasPrefix(raw, []byte{0xFF, 0xFE, 0x00, 0x00}) {
			return littleEndian, true
		}
		if bytes.HasPrefix(raw, []byte{0x00, 0x00, 0xFE, 0xFF}) {
			return bigEndian, true
		}
	}
	return littleEndian, false
}

func codecFor(enc Encoding, order byteOrder, withBOM bool) encoding.Encoding {
	switch enc {
	case UTF16:
		endian := xunicode.LittleEndian
		if order == bigEndian {
			endian = xunicode.BigEndian
		}
		policy := xunicode.IgnoreBOM
		if withBOM {
			policy = xunicode.UseBOM
		}
		return xunicode.UTF16(endian, policy)
	case UTF32:
		endian := utf32.LittleEndian
		if order == bigEndian {
			endian = utf32.BigEndian
		}
		policy := utf32.IgnoreBOM
		if withBOM {
			policy = utf32.UseBOM
		}
		return utf32.UTF32(endian, policy)
	default:
		return xunicode.UTF8
	}
}
