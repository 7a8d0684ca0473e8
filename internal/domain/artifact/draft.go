package artifact

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultAudioFormat is recorded for audio payloads that carry no format tag.
const DefaultAudioFormat = "wav"

// Metadata keys the store always writes.
const (
	MetaTTLSeconds     = "ttl_seconds"
	MetaCharacterCount = "character_count"
	MetaEncodingUsed   = "encoding_used"
	MetaAudioCodec     = "audio_codec"
)

// Draft is a freshly generated artifact before it is persisted.
type Draft struct {
	Subject     string
	Text        string
	Encoding    Encoding
	Language    string
	Locale      string
	Audio       []byte
	AudioFormat string
	Metadata    map[string]any
	// TTL zero means the store default.
	TTL time.Duration
}

// MaxTTLSeconds is the largest whole-second TTL a time.Duration can hold.
const MaxTTLSeconds = math.MaxInt64 / int64(time.Second)

// TTLFromSeconds converts a caller-supplied ttl_seconds. Zero stays zero so
// the store default applies.
func TTLFromSeconds(seconds int64) (time.Duration, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("%w: ttl_seconds must not be negative", ErrInvalidRecord)
	}
	if seconds > MaxTTLSeconds {
		return 0, fmt.Errorf("%w: ttl_seconds must be at most %d", ErrInvalidRecord, MaxTTLSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// NormalizeSubject lower-cases and collapses whitespace so "New  York" and
// "new york" address the same artifacts.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.Join(strings.Fields(subject), " "))
}

// NormalizeLanguage lower-cases an ISO 639 code; empty stays empty.
func NormalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func (d Draft) Normalize() Draft {
	d.Subject = NormalizeSubject(d.Subject)
	d.Language = NormalizeLanguage(d.Language)
	d.Locale = strings.TrimSpace(d.Locale)
	d.AudioFormat = strings.ToLower(strings.TrimSpace(d.AudioFormat))
	if len(d.Audio) > 0 && d.AudioFormat == "" {
		d.AudioFormat = DefaultAudioFormat
	}
	return d
}

// Validate checks the write-time constraints. It expects a normalized draft.
func (d Draft) Validate() error {
	if d.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidRecord)
	}
	if d.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRecord)
	}
	if d.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", ErrInvalidRecord)
	}
	if d.Language != "" && !validLanguage(d.Language) {
		return fmt.Errorf("%w: language %q is not an ISO 639 code", ErrInvalidRecord, d.Language)
	}
	if len(d.Audio) > 0 && d.AudioFormat == "" {
		return fmt.Errorf("%w: audio requires a format", ErrInvalidRecord)
	}
	if d.Encoding != "" && d.Encoding != Auto && !d.Encoding.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRecord, ErrUnsupportedEncoding, string(d.Encoding))
	}
	return nil
}

func validLanguage(language string) bool {
	if len(language) < 2 || len(language) > 3 {
		return false
	}
	for _, r := range language {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
