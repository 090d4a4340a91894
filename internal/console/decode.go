package console

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NewDecoder wraps r so it yields UTF-8 decoded from the named charset
// ("utf-8", "windows-1252", "shift_jis", ...). Empty means UTF-8.
// Invalid input becomes U+FFFD rather than an error.
func NewDecoder(r io.Reader, charset string) (io.Reader, error) {
	name := strings.TrimSpace(charset)
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("console encoding %q: %w", charset, err)
	}
	if enc == unicode.UTF8 {
		// UTF-8 input is passed through; ReadRune already maps bad bytes to U+FFFD.
		return r, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
