package subtitle

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Known subtitle formats.
const (
	FormatSRT      = "srt"
	FormatASS      = "ass"
	FormatSSA      = "ssa"
	FormatVTT      = "vtt"
	FormatMicroDVD = "sub"
)

var (
	srtTiming       = regexp.MustCompile(`\d{1,2}:\d{2}:\d{2}[,.]\d{1,3}\s*-->\s*\d{1,2}:\d{2}:\d{2}[,.]\d{1,3}`)
	microDVDLine    = regexp.MustCompile(`(?m)^\{\d+\}\{\d+\}`)
	errEmptyContent = errors.New("subtitle content is empty")
)

// DetectFormat inspects text and returns one of the Format constants or "".
func DetectFormat(text []byte) string {
	head := text
	if len(head) > 4096 {
		head = head[:4096]
	}
	trimmed := bytes.TrimSpace(head)
	switch {
	case bytes.HasPrefix(trimmed, []byte("WEBVTT")):
		return FormatVTT
	case bytes.Contains(head, []byte("[V4+ Styles]")):
		return FormatASS
	case bytes.Contains(head, []byte("[V4 Styles]")):
		return FormatSSA
	case bytes.Contains(head, []byte("[Script Info]")):
		return FormatASS
	case srtTiming.Match(head):
		return FormatSRT
	case microDVDLine.Match(head):
		return FormatMicroDVD
	default:
		return ""
	}
}

// IsValid reports whether the downloaded content decodes to a recognised
// subtitle body.
func (s *Subtitle) IsValid() bool {
	if len(bytes.TrimSpace(s.Content)) == 0 {
		return false
	}
	text, err := decodeText(s.Content)
	if err != nil {
		return false
	}
	return DetectFormat(text) != ""
}

// Normalize re-encodes Content as UTF-8 with LF line endings and records the
// detected format.
func (s *Subtitle) Normalize() error {
	if len(s.Content) == 0 {
		return errEmptyContent
	}
	text, err := decodeText(s.Content)
	if err != nil {
		return fmt.Errorf("decode subtitle %s: %w", s.ID, err)
	}
	text = bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n"))
	text = bytes.ReplaceAll(text, []byte("\r"), []byte("\n"))
	s.Content = text
	if format := DetectFormat(text); format != "" {
		s.Format = format
	}
	return nil
}

func decodeText(raw []byte) ([]byte, error) {
	if hasBOM(raw) {
		out, _, err := transform.Bytes(unicode.BOMOverride(encoding.Nop.NewDecoder()), raw)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	if utf8.Valid(raw) {
		return raw, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasBOM(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(raw, []byte{0xFF, 0xFE}) ||
		bytes.HasPrefix(raw, []byte{0xFE, 0xFF})
}

// Path returns where the subtitle is stored next to videoPath, e.g.
// "Movie.en.hi.srt". hiTag names the hearing-impaired marker.
func (s *Subtitle) Path(videoPath, hiTag string) string {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	parts := []string{base}
	if !s.Language.IsZero() {
		parts = append(parts, s.Language.Code)
	}
	if s.Language.HearingImpaired || s.HearingImpaired {
		if tag := strings.TrimSpace(hiTag); tag != "" {
			parts = append(parts, tag)
		}
	}
	if s.Language.Forced {
		parts = append(parts, "forced")
	}
	format := s.Format
	if format == "" {
		format = FormatSRT
	}
	return strings.Join(parts, ".") + "." + format
}
