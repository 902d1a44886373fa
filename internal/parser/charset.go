package parser

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// charsetReader decodes RFC 2047 words in charsets the standard library
// does not know.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// toUTF8 converts text from charset to UTF-8. Content in an unknown or
// broken charset is returned unchanged.
func toUTF8(content []byte, charset string) []byte {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return content
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		slog.Warn("unknown charset, keeping raw bytes", "charset", charset)
		return content
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		slog.Warn("failed to decode charset, keeping raw bytes", "charset", charset, "error", err)
		return content
	}
	return decoded
}
