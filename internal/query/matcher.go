package query

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
)

// Span is a byte range within a file's content.
type Span struct {
	Start int
	End   int
}

// Text returns the source text the span covers.
func (s Span) Text(content []byte) string {
	if s.Start < 0 || s.End > len(content) || s.Start > s.End {
		return ""
	}
	return string(content[s.Start:s.End])
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Match is one structural query match. All spans are nested within Function.
// The declared pointer name and the assignment target name are guaranteed to
// be the same identifier (the join condition is enforced by the query).
type Match struct {
	Function   Span
	StructName Span
	DeclName   Span
	AssignName Span
	Call       Span
	Callee     Span
	// Flags is only meaningful when HasFlags is set (arity >= 2 shapes).
	Flags    Span
	HasFlags bool
}

// Matcher owns one tree-sitter parser configured for C. Each Stage 1 worker
// holds its own Matcher so the parser is reused across files without being
// shared across goroutines.
type Matcher struct {
	parser *sitter.Parser
}

// NewMatcher creates a matcher with a fresh C parser.
func NewMatcher() *Matcher {
	parser := sitter.NewParser()
	parser.SetLanguage(c.GetLanguage())
	return &Matcher{parser: parser}
}

// Parse builds a syntax tree for content. The caller owns the returned tree
// and must Close it.
func (m *Matcher) Parse(ctx context.Context, content []byte) (*sitter.Tree, error) {
	tree, err := m.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	return tree, nil
}

// Close releases the parser.
func (m *Matcher) Close() {
	m.parser.Close()
}

// Run evaluates q against tree and returns every match. Matches whose
// predicate constraints fail are filtered out; matches missing an expected
// capture are skipped with a diagnostic rather than aborting the scan.
func Run(q *Query, tree *sitter.Tree, content []byte, logger zerolog.Logger) []Match {
	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q.compiled, tree.RootNode())

	var matches []Match
	for {
		qm, ok := cursor.NextMatch()
		if !ok {
			break
		}
		qm = cursor.FilterPredicates(qm, content)
		if len(qm.Captures) == 0 {
			continue
		}

		match, err := buildMatch(q, qm)
		if err != nil {
			logger.Warn().Err(err).Str("allocator", q.Allocator).Msg("Skipping malformed query match")
			continue
		}
		matches = append(matches, match)
	}
	return matches
}

func buildMatch(q *Query, qm *sitter.QueryMatch) (Match, error) {
	spans := make(map[string]Span, len(qm.Captures))
	for _, capture := range qm.Captures {
		name := q.compiled.CaptureNameForId(capture.Index)
		spans[name] = Span{
			Start: int(capture.Node.StartByte()),
			End:   int(capture.Node.EndByte()),
		}
	}

	required := []string{
		captureFunction, captureStructName, captureDeclName,
		captureAssignName, captureCall, captureCallee,
	}
	if q.HasFlags {
		required = append(required, captureFlags)
	}
	for _, name := range required {
		if _, ok := spans[name]; !ok {
			return Match{}, fmt.Errorf("query match missing capture %q", name)
		}
	}

	match := Match{
		Function:   spans[captureFunction],
		StructName: spans[captureStructName],
		DeclName:   spans[captureDeclName],
		AssignName: spans[captureAssignName],
		Call:       spans[captureCall],
		Callee:     spans[captureCallee],
		HasFlags:   q.HasFlags,
	}
	if q.HasFlags {
		match.Flags = spans[captureFlags]
	}
	return match, nil
}
