// Package pipeline drives the two-stage concurrent scan: Stage 1 reads,
// prefilters and parses candidate files; Stage 2 runs the structural queries,
// applies the flags filter and prints accepted allocation sites.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"unicode/utf8"

	"github.com/rs/zerolog"
	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zolutal/kheap-sift/internal/query"
	"github.com/zolutal/kheap-sift/internal/report"
	"github.com/zolutal/kheap-sift/internal/typeinfo"
)

// MaxReadPermits is the hard ceiling on concurrent file reads. Exceeding it
// is a configuration error caught before any work starts.
const MaxReadPermits = 1000

// Config controls pipeline concurrency and output.
type Config struct {
	// ReadPermits bounds the number of concurrently open file reads.
	// Defaults to 1; must not exceed MaxReadPermits.
	ReadPermits int64
	// Workers sizes both stages' worker pools. Defaults to the available
	// hardware concurrency.
	Workers int
	// Quiet prints only struct names instead of full report blocks.
	Quiet bool
}

// Pipeline scans a file corpus for allocation sites of catalog structs.
type Pipeline struct {
	catalog *typeinfo.Catalog
	queries []*query.Query
	flags   *query.FlagsFilter
	printer *report.Printer
	sem     *semaphore.Weighted
	workers int
	quiet   bool
	logger  zerolog.Logger
}

// candidate is a parsed Stage 1 product handed to Stage 2 over the channel.
// It is dropped as soon as Stage 2 has consumed it.
type candidate struct {
	path    string
	content []byte
	tree    *sitter.Tree
}

// New validates cfg and assembles a pipeline. The catalog, queries, filter
// and printer are shared read-only across all workers.
func New(catalog *typeinfo.Catalog, queries []*query.Query, flags *query.FlagsFilter,
	printer *report.Printer, cfg Config, logger zerolog.Logger) (*Pipeline, error) {

	permits := cfg.ReadPermits
	if permits == 0 {
		permits = 1
	}
	if permits < 1 {
		return nil, fmt.Errorf("read permit count must be positive, got %d", permits)
	}
	if permits > MaxReadPermits {
		return nil, fmt.Errorf("read permit count %d exceeds the maximum of %d", permits, MaxReadPermits)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Pipeline{
		catalog: catalog,
		queries: queries,
		flags:   flags,
		printer: printer,
		sem:     semaphore.NewWeighted(permits),
		workers: workers,
		quiet:   cfg.Quiet,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Run scans every file to completion. File-level failures are isolated: they
// produce a diagnostic and no report, never an aborted run. Run only returns
// an error if the context is cancelled while acquiring a read permit.
func (p *Pipeline) Run(ctx context.Context, files []string) error {
	paths := make(chan string)
	parsed := make(chan candidate, p.workers)

	stage1, s1ctx := errgroup.WithContext(ctx)
	stage1.Go(func() error {
		defer close(paths)
		for _, path := range files {
			select {
			case paths <- path:
			case <-s1ctx.Done():
				return s1ctx.Err()
			}
		}
		return nil
	})

	var workers errgroup.Group
	for i := 0; i < p.workers; i++ {
		workers.Go(func() error {
			// One parser per worker, reused across files.
			matcher := query.NewMatcher()
			defer matcher.Close()
			for path := range paths {
				c, ok := p.scanFile(s1ctx, matcher, path)
				if !ok {
					continue
				}
				select {
				case parsed <- c:
				case <-s1ctx.Done():
					c.tree.Close()
					return s1ctx.Err()
				}
			}
			return nil
		})
	}
	stage1.Go(func() error {
		defer close(parsed)
		return workers.Wait()
	})

	var stage2 errgroup.Group
	for i := 0; i < p.workers; i++ {
		stage2.Go(func() error {
			for c := range parsed {
				p.processCandidate(c)
				c.tree.Close()
			}
			return nil
		})
	}

	err := stage1.Wait()
	if err2 := stage2.Wait(); err == nil {
		err = err2
	}
	return err
}

// scanFile is Stage 1 for one file: read under a permit, prefilter, parse.
func (p *Pipeline) scanFile(ctx context.Context, matcher *query.Matcher, path string) (candidate, bool) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return candidate{}, false
	}
	content, err := os.ReadFile(path)
	p.sem.Release(1)
	if err != nil {
		// Unreadable files are skipped silently; the scan carries on.
		p.logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable file")
		return candidate{}, false
	}

	content = toValidUTF8(content)

	if !query.MightMatch(content, p.queries) {
		return candidate{}, false
	}

	tree, err := matcher.Parse(ctx, content)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Skipping unparseable file")
		return candidate{}, false
	}

	return candidate{path: path, content: content, tree: tree}, true
}

// processCandidate is Stage 2 for one parsed file: run every query, resolve
// the captured struct name against the catalog, filter by flags and print.
func (p *Pipeline) processCandidate(c candidate) {
	for _, q := range p.queries {
		for _, m := range query.Run(q, c.tree, c.content, p.logger) {
			name := m.StructName.Text(c.content)
			st, ok := p.catalog.Lookup(name)
			if !ok {
				continue
			}
			if !p.flags.Accept(m, c.content) {
				continue
			}
			if p.quiet {
				p.printer.PrintName(name)
				continue
			}
			if err := p.printer.PrintSite(st, c.path, c.content, m); err != nil {
				p.logger.Warn().Err(err).Str("path", c.path).Str("struct", name).
					Msg("Skipping match with malformed source")
			}
		}
	}
}

// toValidUTF8 replaces invalid byte sequences so downstream text handling
// never fails on binary junk embedded in source files.
func toValidUTF8(content []byte) []byte {
	if utf8.Valid(content) {
		return content
	}
	return bytes.ToValidUTF8(content, []byte("�"))
}
