package console

import (
	"bufio"
	"errors"
	"html"
	"io"
	"log/slog"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/craftvisor/internal/notify"
)

// LineSeparator is the platform line ending of server output.
var LineSeparator = func() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}()

// CSI/OSC sequences and bare two-byte escapes.
var ansiRe = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape and cursor-control sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

var spanRe = regexp.MustCompile(`</?span[^>]*>`)

// PlainText reverses Format for terminal output: highlight spans are
// dropped and entities unescaped.
func PlainText(line string) string {
	return html.UnescapeString(spanRe.ReplaceAllString(line, ""))
}

// Highlighter wraps configured keywords in <span class="..."> on already escaped text.
type Highlighter struct {
	re      *regexp.Regexp
	classes map[string]string
}

// NewHighlighter builds a highlighter from keyword to css class. Longer
// keywords win when they overlap.
func NewHighlighter(keywords map[string]string) *Highlighter {
	h := &Highlighter{classes: make(map[string]string, len(keywords))}
	words := make([]string, 0, len(keywords))
	for kw, class := range keywords {
		if kw == "" {
			continue
		}
		esc := html.EscapeString(kw)
		h.classes[esc] = class
		words = append(words, esc)
	}
	if len(words) == 0 {
		return h
	}
	sort.Slice(words, func(i, j int) bool {
		if len(words[i]) != len(words[j]) {
			return len(words[i]) > len(words[j])
		}
		return words[i] < words[j]
	})
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	// entities are consumed whole so keywords never match inside them
	h.re = regexp.MustCompile(strings.Join(append(words, entityPattern), "|"))
	return h
}

const entityPattern = `&(?:[a-zA-Z]+|#[0-9]+|#[xX][0-9a-fA-F]+);`

func (h *Highlighter) Apply(s string) string {
	if h == nil || h.re == nil {
		return s
	}
	return h.re.ReplaceAllStringFunc(s, func(m string) string {
		class, ok := h.classes[m]
		if !ok {
			return m
		}
		return `<span class="` + html.EscapeString(class) + `">` + m + `</span>`
	})
}

// Options configure one capture.
type Options struct {
	Encoding   string
	Separator  string
	Highlights map[string]string
}

// Capture turns a process output stream into sanitized console lines.
type Capture struct {
	serverID int64
	ring     *RingBuffer
	notifier notify.Notifier
	logger   *slog.Logger
	encoding string
	sep      string

	mu sync.RWMutex
	hl *Highlighter
}

func NewCapture(serverID int64, ring *RingBuffer, n notify.Notifier, opts Options, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	sep := opts.Separator
	if sep == "" {
		sep = LineSeparator
	}
	return &Capture{
		serverID: serverID,
		ring:     ring,
		notifier: n,
		logger:   logger.With("component", "console", "server_id", serverID),
		encoding: opts.Encoding,
		sep:      sep,
		hl:       NewHighlighter(opts.Highlights),
	}
}

// SetHighlights swaps the keyword set for subsequent lines.
func (c *Capture) SetHighlights(keywords map[string]string) {
	hl := NewHighlighter(keywords)
	c.mu.Lock()
	c.hl = hl
	c.mu.Unlock()
}

// Run consumes r character by character until it is exhausted. Decoding
// errors never stop the reader; a read error ends the capture like EOF.
func (c *Capture) Run(r io.Reader) {
	dec, err := NewDecoder(r, c.encoding)
	if err != nil {
		c.logger.Warn("falling back to utf-8", "error", err)
		dec = r
	}
	br := bufio.NewReader(dec)
	var line strings.Builder
	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("console stream ended", "error", err)
			}
			break
		}
		line.WriteRune(ch)
		if s := line.String(); strings.HasSuffix(s, c.sep) {
			c.emit(strings.TrimSuffix(s, c.sep))
			line.Reset()
		}
	}
	if line.Len() > 0 {
		c.emit(line.String())
	}
}

// Format applies the sanitize and highlight pipeline to one raw line.
func (c *Capture) Format(raw string) string {
	c.mu.RLock()
	hl := c.hl
	c.mu.RUnlock()
	return hl.Apply(html.EscapeString(StripANSI(raw)))
}

func (c *Capture) emit(raw string) {
	out := c.Format(raw)
	c.notifier.BroadcastToPage(notify.ConsolePage(c.serverID), notify.EventConsoleLine, map[string]any{
		"server_id": c.serverID,
		"line":      out,
	})
	c.ring.Add(out)
}
