package console

import (
	"html"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/notify"
)

type pageRecorder struct {
	notify.Nop
	mu    sync.Mutex
	pages []string
	lines []string
}

func (r *pageRecorder) BroadcastToPage(page string, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, page)
	if m, ok := payload.(map[string]any); ok && event == notify.EventConsoleLine {
		r.lines = append(r.lines, m["line"].(string))
	}
}

func TestCaptureLinesAndTrailingPartial(t *testing.T) {
	ring := NewRingBuffer(10)
	rec := &pageRecorder{}
	c := NewCapture(7, ring, rec, Options{Separator: "\n"}, nil)

	c.Run(strings.NewReader("Starting server\nDone (3.2s)!\npartial"))

	assert.Equal(t, []string{"Starting server", "Done (3.2s)!", "partial"}, ring.Lines())
	assert.Equal(t, ring.Lines(), rec.lines)
	assert.Equal(t, notify.ConsolePage(7), rec.pages[0])
}

func TestCaptureMultiCharSeparator(t *testing.T) {
	ring := NewRingBuffer(10)
	c := NewCapture(1, ring, nil, Options{Separator: "\r\n"}, nil)
	c.Run(strings.NewReader("a\rb\r\nc\r\n\r\nd"))
	assert.Equal(t, []string{"a\rb", "c", "", "d"}, ring.Lines())
}

func TestCaptureSanitizes(t *testing.T) {
	ring := NewRingBuffer(10)
	c := NewCapture(1, ring, nil, Options{
		Separator:  "\n",
		Highlights: map[string]string{"WARN": "mc-log-warn", "ERROR": "mc-log-error"},
	}, nil)
	c.Run(strings.NewReader("\x1b[33m[12:00:00 WARN]\x1b[0m: <Steve> hi & bye\n\x1b[2K\x1b[1GERROR boom\n"))

	lines := ring.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, `[12:00:00 <span class="mc-log-warn">WARN</span>]: &lt;Steve&gt; hi &amp; bye`, lines[0])
	assert.Equal(t, `<span class="mc-log-error">ERROR</span> boom`, lines[1])
}

func TestCaptureInvalidBytes(t *testing.T) {
	ring := NewRingBuffer(10)
	c := NewCapture(1, ring, nil, Options{Separator: "\n"}, nil)
	c.Run(strings.NewReader("ok\xff\xfeok\nnext\n"))
	assert.Equal(t, []string{"ok��ok", "next"}, ring.Lines())
}

func TestCaptureLegacyEncoding(t *testing.T) {
	ring := NewRingBuffer(10)
	c := NewCapture(1, ring, nil, Options{Separator: "\n", Encoding: "windows-1252"}, nil)
	c.Run(strings.NewReader("caf\xe9\n"))
	assert.Equal(t, []string{"café"}, ring.Lines())
}

func TestCaptureUnknownEncodingFallsBack(t *testing.T) {
	ring := NewRingBuffer(10)
	c := NewCapture(1, ring, nil, Options{Separator: "\n", Encoding: "klingon"}, nil)
	c.Run(strings.NewReader("hello\n"))
	assert.Equal(t, []string{"hello"}, ring.Lines())
}

func TestCaptureRingBound(t *testing.T) {
	ring := NewRingBuffer(2)
	c := NewCapture(1, ring, nil, Options{Separator: "\n"}, nil)
	c.Run(strings.NewReader("1\n2\n3\n4\n"))
	assert.Equal(t, []string{"3", "4"}, ring.Lines())
}

func TestSetHighlights(t *testing.T) {
	c := NewCapture(1, NewRingBuffer(1), nil, Options{}, nil)
	assert.Equal(t, "joined the game", c.Format("joined the game"))
	c.SetHighlights(map[string]string{"joined": "join"})
	assert.Equal(t, `<span class="join">joined</span> the game`, c.Format("joined the game"))
}

func TestHighlighterLongestWins(t *testing.T) {
	h := NewHighlighter(map[string]string{"ERR": "short", "ERROR": "long", "": "ignored"})
	assert.Equal(t, `<span class="long">ERROR</span> <span class="short">ERR</span>`, h.Apply("ERROR ERR"))
	assert.Equal(t, "plain", (*Highlighter)(nil).Apply("plain"))
}

func TestHighlighterSkipsEntities(t *testing.T) {
	c := NewCapture(1, NewRingBuffer(10), notify.Nop{}, Options{Highlights: map[string]string{"lt": "x", "amp": "y", "39": "z"}}, nil)
	assert.Equal(t, "a&lt;b", c.Format("a<b"))
	assert.Equal(t, "fish &amp; chips &#39;", c.Format("fish & chips '"))
	assert.Equal(t, `<span class="x">lt</span> &lt;`, c.Format("lt <"))

	h := NewHighlighter(map[string]string{"<b>": "tag"})
	assert.Equal(t, `x <span class="tag">&lt;b&gt;</span>`, h.Apply(html.EscapeString("x <b>")))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "title text", StripANSI("\x1b]0;title\x07title text"))
	assert.Equal(t, "bold", StripANSI("\x1b[1;31mbold\x1b[m"))
}

func TestPlainText(t *testing.T) {
	c := NewCapture(1, NewRingBuffer(10), notify.Nop{}, Options{Highlights: map[string]string{"Done": "ok"}}, nil)
	formatted := c.Format("<b> Done & ready")
	assert.Equal(t, `&lt;b&gt; <span class="ok">Done</span> &amp; ready`, formatted)
	assert.Equal(t, "<b> Done & ready", PlainText(formatted))
}
