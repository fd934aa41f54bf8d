// Package query builds and runs the structural queries that locate heap
// allocation sites: a local pointer declared with a struct type and later
// assigned from a call to one of the kernel slab allocators, within the same
// function body.
package query

import (
	"bytes"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
)

// allocator names one member of the kernel allocation family and the number
// of positional arguments its calls carry. The flags argument, when present,
// is always last.
type allocator struct {
	name  string
	arity int
}

// allocatorFamily is the set of allocation primitives searched for. Arity 1
// calls carry no flags argument.
var allocatorFamily = []allocator{
	{name: "vmalloc", arity: 1},
	{name: "vzalloc", arity: 1},
	{name: "kmalloc", arity: 2},
	{name: "kzalloc", arity: 2},
	{name: "kvmalloc", arity: 2},
	{name: "kvzalloc", arity: 2},
	{name: "kcalloc", arity: 3},
	{name: "kmalloc_array", arity: 3},
}

// Capture names used by the query templates.
const (
	captureFunction   = "function.def"
	captureStructName = "struct.name"
	captureDeclName   = "declaration.name"
	captureAssignName = "assignment.name"
	captureCall       = "assignment.call"
	captureCallee     = "assignment.function"
	captureFlags      = "flags"
)

// queryTemplate matches a function body containing a struct pointer
// declaration and a sibling assignment of that pointer from an allocator
// call. The declared and assigned identifiers are joined by the #eq?
// predicate; the allocator name and argument list shape are substituted per
// family member.
const queryTemplate = `(
    function_definition
    declarator: (_)
    body: (
        compound_statement (
            declaration type: (
                struct_specifier name: (
                    type_identifier
                ) @struct.name
            ) declarator: (
                pointer_declarator declarator: (
                    identifier
                ) @declaration.name
            )
        )
        (expression_statement (
            assignment_expression
                left: (identifier) @assignment.name
                right: (
                    (call_expression
                        function: (identifier) @assignment.function
                        (#eq? @assignment.function "%s")
                        arguments: %s
                    ) @assignment.call
                )
            )
        )
        (#eq? @declaration.name @assignment.name)
    )
) @function.def`

// Query is one compiled structural query for a single (allocator, arity)
// pair, plus the literal identifiers a file must contain for the query to
// possibly match.
type Query struct {
	Allocator string
	Arity     int
	// HasFlags reports whether this call shape carries a trailing flags
	// argument.
	HasFlags bool
	// Identifiers are the prefilter needles: every one of them must appear
	// as a literal substring of a file for this query to possibly match.
	Identifiers []string

	compiled *sitter.Query
}

// CompileAll compiles one query per allocator family member.
func CompileAll() ([]*Query, error) {
	queries := make([]*Query, 0, len(allocatorFamily))
	for _, a := range allocatorFamily {
		src := fmt.Sprintf(queryTemplate, a.name, argumentListPattern(a.arity))
		compiled, err := sitter.NewQuery([]byte(src), c.GetLanguage())
		if err != nil {
			return nil, fmt.Errorf("failed to compile query for %s: %w", a.name, err)
		}
		queries = append(queries, &Query{
			Allocator:   a.name,
			Arity:       a.arity,
			HasFlags:    a.arity > 1,
			Identifiers: []string{"struct", a.name},
			compiled:    compiled,
		})
	}
	return queries, nil
}

// argumentListPattern pins the call to an exact arity. Anchors bind the first
// and last named children and chain the ones in between, so calls with a
// different argument count do not match. The trailing argument is captured as
// flags for shapes that have one.
func argumentListPattern(arity int) string {
	var b strings.Builder
	b.WriteString("(argument_list .")
	for i := 0; i < arity; i++ {
		if i > 0 {
			b.WriteString(" .")
		}
		b.WriteString(" (_)")
	}
	if arity > 1 {
		b.WriteString(" @flags")
	}
	b.WriteString(" .)")
	return b.String()
}

// MightMatch is the prefilter: it reports whether content could possibly
// match any of the queries, by checking that some query has all of its
// required identifiers present as literal substrings. Necessary but not
// sufficient; the structural match decides for real.
func MightMatch(content []byte, queries []*Query) bool {
	for _, q := range queries {
		if containsAll(content, q.Identifiers) {
			return true
		}
	}
	return false
}

func containsAll(content []byte, identifiers []string) bool {
	for _, id := range identifiers {
		if !bytes.Contains(content, []byte(id)) {
			return false
		}
	}
	return true
}
