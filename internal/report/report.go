// Package report formats allocation-site matches into printable blocks and
// serializes their emission to a shared output sink.
package report

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zolutal/kheap-sift/internal/query"
	"github.com/zolutal/kheap-sift/internal/typeinfo"
)

const (
	ansiBold      = "\x1b[1m"
	ansiHighlight = "\x1b[1;31m"
	ansiReset     = "\x1b[0m"
)

// Printer renders report blocks and writes them to out. A block is emitted
// atomically under an internal lock so blocks from concurrent workers never
// interleave. Color controls ANSI emission and must be false when out is not
// an interactive terminal.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	logger zerolog.Logger
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, color bool, logger zerolog.Logger) *Printer {
	return &Printer{
		out:    out,
		color:  color,
		logger: logger.With().Str("component", "report").Logger(),
	}
}

// PrintSite renders and emits one full report block for an accepted match.
// Rendering failures (unmet structural assumptions in the matched source)
// are returned so the caller can skip the file with a diagnostic.
func (p *Printer) PrintSite(st typeinfo.StructType, path string, content []byte, m query.Match) error {
	block, err := renderSite(st, path, content, m, p.color)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = io.WriteString(p.out, block)
	return err
}

// PrintName emits just the struct name, used in quiet mode.
func (p *Printer) PrintName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, name)
}

// lineSpan is one line of the function excerpt, as byte offsets relative to
// the function start. End excludes the newline.
type lineSpan struct {
	start, end int
}

// renderSite builds the complete report block: header, verbose struct layout,
// path:line of the enclosing function, and the excerpt.
func renderSite(st typeinfo.StructType, path string, content []byte, m query.Match, color bool) (string, error) {
	fnSrc := content[m.Function.Start:m.Function.End]

	braceIdx := bytes.IndexByte(fnSrc, '{')
	if braceIdx < 0 {
		return "", fmt.Errorf("no opening brace in matched function body at %s", path)
	}

	lines := splitLines(fnSrc)

	// Spans relative to the function start. The whole-call span participates
	// in line selection; the narrower spans get highlighted.
	highlights := []query.Span{m.StructName, m.DeclName, m.AssignName, m.Callee}
	if m.HasFlags {
		highlights = append(highlights, m.Flags)
	}
	for i := range highlights {
		highlights[i].Start -= m.Function.Start
		highlights[i].End -= m.Function.Start
	}
	sort.Slice(highlights, func(i, j int) bool { return highlights[i].Start < highlights[j].Start })

	selectors := append([]query.Span{{
		Start: m.Call.Start - m.Function.Start,
		End:   m.Call.End - m.Function.Start,
	}}, highlights...)

	included := selectLines(fnSrc, lines, braceIdx, selectors)

	var b strings.Builder
	fmt.Fprintf(&b, "======== Found allocation site for: struct %s ========\n\n", st.Name)
	b.WriteString(st.Layout)
	b.WriteString("\n\n")

	line := lineNumber(content, m.Function.Start)
	if color {
		fmt.Fprintf(&b, "%s%s%s:%d\n", ansiBold, path, ansiReset, line)
	} else {
		fmt.Fprintf(&b, "%s:%d\n", path, line)
	}

	prev := -1
	for i := range lines {
		if !included[i] {
			continue
		}
		if prev != -1 && i != prev+1 {
			b.WriteString("...\n")
		}
		writeLine(&b, fnSrc, lines[i], highlights, color)
		b.WriteByte('\n')
		prev = i
	}
	b.WriteByte('\n')

	return b.String(), nil
}

// selectLines decides which excerpt lines to keep: everything from the
// signature through the opening brace, any line intersecting a selector
// span, a trailing return statement, and always the closing line.
func selectLines(src []byte, lines []lineSpan, braceIdx int, selectors []query.Span) []bool {
	included := make([]bool, len(lines))

	for i, ln := range lines {
		if ln.start <= braceIdx {
			included[i] = true
			continue
		}
		break
	}

	for _, span := range selectors {
		for i, ln := range lines {
			if span.Start < ln.end+1 && span.End > ln.start {
				included[i] = true
			}
		}
	}

	last := len(lines) - 1
	if last >= 1 && !included[last-1] {
		text := string(src[lines[last-1].start:lines[last-1].end])
		if strings.Contains(text, "return ") && strings.HasSuffix(strings.TrimRight(text, " \t"), ";") {
			included[last-1] = true
		}
	}
	if last >= 0 {
		included[last] = true
	}

	return included
}

func splitLines(src []byte) []lineSpan {
	var lines []lineSpan
	start := 0
	for i, b := range src {
		if b == '\n' {
			lines = append(lines, lineSpan{start: start, end: i})
			start = i + 1
		}
	}
	lines = append(lines, lineSpan{start: start, end: len(src)})
	return lines
}

// writeLine writes one excerpt line, wrapping the portions covered by
// highlight spans in ANSI escapes when color is enabled.
func writeLine(b *strings.Builder, src []byte, ln lineSpan, highlights []query.Span, color bool) {
	text := src[ln.start:ln.end]
	if !color {
		b.Write(text)
		return
	}

	cur := 0
	for _, span := range highlights {
		if span.End <= ln.start || span.Start >= ln.end {
			continue
		}
		s := span.Start - ln.start
		if s < cur {
			s = cur
		}
		e := span.End - ln.start
		if e > len(text) {
			e = len(text)
		}
		b.Write(text[cur:s])
		b.WriteString(ansiHighlight)
		b.Write(text[s:e])
		b.WriteString(ansiReset)
		cur = e
	}
	b.Write(text[cur:])
}

// lineNumber returns the 1-based line number of a byte offset.
func lineNumber(content []byte, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	return 1 + bytes.Count(content[:offset], []byte{'\n'})
}
