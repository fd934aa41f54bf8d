package report

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zolutal/kheap-sift/internal/query"
	"github.com/zolutal/kheap-sift/internal/typeinfo"
)

const sourceFile = `/* pipe buffer management */

static int alloc_node(void)
{
	struct pipe_node *node;
	int i;

	for (i = 0; i < 4; i++)
		cond_resched();

	node = kmalloc(sizeof(*node), GFP_KERNEL);
	if (!node)
		pr_err("oom");
	return 0;
}
`

var testStruct = typeinfo.StructType{
	Name:   "pipe_node",
	Size:   4,
	Layout: "    struct pipe_node {\n        int count; /* 0 4 */\n    } /* total size: 4 */",
}

func spanAt(t *testing.T, content, needle string) query.Span {
	t.Helper()
	idx := strings.Index(content, needle)
	require.GreaterOrEqual(t, idx, 0, "needle %q not found", needle)
	return query.Span{Start: idx, End: idx + len(needle)}
}

func testMatch(t *testing.T) query.Match {
	t.Helper()
	fnStart := strings.Index(sourceFile, "static int alloc_node")
	require.GreaterOrEqual(t, fnStart, 0)
	fnEnd := strings.LastIndex(sourceFile, "}") + 1

	callee := spanAt(t, sourceFile, "kmalloc")
	flags := spanAt(t, sourceFile, "GFP_KERNEL")

	declIdx := strings.Index(sourceFile, "*node;") + 1
	assignIdx := strings.Index(sourceFile, "node = kmalloc")

	return query.Match{
		Function:   query.Span{Start: fnStart, End: fnEnd},
		StructName: spanAt(t, sourceFile, "pipe_node"),
		DeclName:   query.Span{Start: declIdx, End: declIdx + len("node")},
		AssignName: query.Span{Start: assignIdx, End: assignIdx + len("node")},
		Call:       query.Span{Start: callee.Start, End: flags.End + 1},
		Callee:     callee,
		Flags:      flags,
		HasFlags:   true,
	}
}

func TestRenderSite_PlainOutput(t *testing.T) {
	block, err := renderSite(testStruct, "fs/pipe.c", []byte(sourceFile), testMatch(t), false)
	require.NoError(t, err)

	want := `======== Found allocation site for: struct pipe_node ========

    struct pipe_node {
        int count; /* 0 4 */
    } /* total size: 4 */

fs/pipe.c:3
static int alloc_node(void)
{
	struct pipe_node *node;
...
	node = kmalloc(sizeof(*node), GFP_KERNEL);
...
	return 0;
}

`
	assert.Equal(t, want, block)
}

func TestRenderSite_NoANSIWhenNotTerminal(t *testing.T) {
	block, err := renderSite(testStruct, "fs/pipe.c", []byte(sourceFile), testMatch(t), false)
	require.NoError(t, err)
	assert.NotContains(t, block, "\x1b[")
}

func TestRenderSite_ColorOutput(t *testing.T) {
	block, err := renderSite(testStruct, "fs/pipe.c", []byte(sourceFile), testMatch(t), true)
	require.NoError(t, err)

	// Path is bold, captured spans are highlighted.
	assert.Contains(t, block, ansiBold+"fs/pipe.c"+ansiReset+":3")
	assert.Contains(t, block, ansiHighlight+"pipe_node"+ansiReset)
	assert.Contains(t, block, ansiHighlight+"node"+ansiReset)
	assert.Contains(t, block, ansiHighlight+"kmalloc"+ansiReset)
	assert.Contains(t, block, ansiHighlight+"GFP_KERNEL"+ansiReset)

	// Stripping the escapes yields exactly the plain rendering.
	plain, err := renderSite(testStruct, "fs/pipe.c", []byte(sourceFile), testMatch(t), false)
	require.NoError(t, err)
	stripped := strings.ReplaceAll(block, ansiHighlight, "")
	stripped = strings.ReplaceAll(stripped, ansiBold, "")
	stripped = strings.ReplaceAll(stripped, ansiReset, "")
	assert.Equal(t, plain, stripped)
}

func TestRenderSite_MissingBrace(t *testing.T) {
	content := "static int f(void)\n"
	m := query.Match{Function: query.Span{Start: 0, End: len(content)}}

	_, err := renderSite(testStruct, "fs/pipe.c", []byte(content), m, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no opening brace")
}

func TestLineNumber(t *testing.T) {
	content := []byte("a\nb\nc\n")
	assert.Equal(t, 1, lineNumber(content, 0))
	assert.Equal(t, 2, lineNumber(content, 2))
	assert.Equal(t, 3, lineNumber(content, 4))
}

func TestSplitLines(t *testing.T) {
	lines := splitLines([]byte("ab\nc\n\nd"))
	require.Len(t, lines, 4)
	assert.Equal(t, lineSpan{start: 0, end: 2}, lines[0])
	assert.Equal(t, lineSpan{start: 3, end: 4}, lines[1])
	assert.Equal(t, lineSpan{start: 5, end: 5}, lines[2])
	assert.Equal(t, lineSpan{start: 6, end: 7}, lines[3])
}

func TestPrinter_PrintName(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false, zerolog.Nop())

	p.PrintName("pipe_node")
	p.PrintName("cred")

	assert.Equal(t, "pipe_node\ncred\n", buf.String())
}

func TestPrinter_BlocksDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false, zerolog.Nop())
	m := testMatch(t)

	var wg sync.WaitGroup
	const writers = 8
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, p.PrintSite(testStruct, "fs/pipe.c", []byte(sourceFile), m))
		}()
	}
	wg.Wait()

	block, err := renderSite(testStruct, "fs/pipe.c", []byte(sourceFile), m, false)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat(block, writers), buf.String())
}
