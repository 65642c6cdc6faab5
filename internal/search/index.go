// Package search maintains an in-process full-text index over the catalogue
// and rebuilds it on a schedule.
package search

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

// Source lists the records that are indexed.
type Source interface {
	ListExperiments(ctx context.Context) ([]domain.ExpressionExperiment, error)
	ListArrayDesigns(ctx context.Context) ([]domain.ArrayDesign, error)
	ListGenes(ctx context.Context) ([]domain.Gene, error)
	ListProtocols(ctx context.Context) ([]domain.Protocol, error)
	ListPhenotypeAssociations(ctx context.Context, geneID string) ([]domain.PhenotypeAssociation, error)
}

// Hit is a ranked search result.
type Hit struct {
	Entity domain.EntityType `json:"entity"`
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Score  int               `json:"score"`
}

// Stats describes the current index generation.
type Stats struct {
	Documents int           `json:"documents"`
	Terms     int           `json:"terms"`
	BuiltAt   time.Time     `json:"built_at"`
	Took      time.Duration `json:"took"`
}

type document struct {
	entity domain.EntityType
	id     string
	title  string
}

type generation struct {
	docs     []document
	postings map[string][]int
	stats    Stats
}

// Index is an inverted index from lower-case tokens to records. Searches run
// against an immutable generation that Rebuild replaces atomically.
type Index struct {
	src    Source
	logger core.Logger
	clock  core.Clock
	gen    atomic.Pointer[generation]
}

// IndexOption customises an Index.
type IndexOption func(*Index)

// WithIndexLogger sets the logger.
func WithIndexLogger(l core.Logger) IndexOption {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// WithIndexClock overrides the time source.
func WithIndexClock(c core.Clock) IndexOption { return func(ix *Index) { ix.clock = c } }

// NewIndex returns an empty index over src. Call Rebuild to populate it.
func NewIndex(src Source, opts ...IndexOption) *Index {
	ix := &Index{src: src, logger: core.NopLogger(), clock: core.ClockFunc(nil)}
	for _, opt := range opts {
		opt(ix)
	}
	ix.gen.Store(&generation{postings: map[string][]int{}})
	return ix
}

// Rebuild reloads every record from the source. On failure the previous
// generation stays in place.
func (ix *Index) Rebuild(ctx context.Context) (Stats, error) {
	start := ix.clock.Now()
	b := &builder{postings: make(map[string][]int)}

	experiments, err := ix.src.ListExperiments(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index experiments: %w", err)
	}
	for _, e := range experiments {
		fields := []string{e.ShortName, e.Name, e.Description, e.Accession, e.Taxon}
		for _, f := range e.Factors {
			fields = append(fields, f.Name)
			fields = append(fields, f.Levels...)
		}
		b.add(domain.EntityExperiment, e.ID, firstNonEmpty(e.Name, e.ShortName), fields...)
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	designs, err := ix.src.ListArrayDesigns(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index array designs: %w", err)
	}
	for _, a := range designs {
		b.add(domain.EntityArrayDesign, a.ID, firstNonEmpty(a.Name, a.ShortName), a.ShortName, a.Name, a.PrimaryTaxon, string(a.Technology))
	}

	genes, err := ix.src.ListGenes(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index genes: %w", err)
	}
	for _, g := range genes {
		b.add(domain.EntityGene, g.ID, firstNonEmpty(g.OfficialSymbol, g.Name), g.OfficialSymbol, g.Name, g.NCBIID, g.Taxon)
	}

	protocols, err := ix.src.ListProtocols(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index protocols: %w", err)
	}
	for _, p := range protocols {
		b.add(domain.EntityProtocol, p.ID, p.Name, p.Name, p.Description)
	}

	phenotypes, err := ix.src.ListPhenotypeAssociations(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("index phenotype associations: %w", err)
	}
	for _, pa := range phenotypes {
		fields := []string{pa.EvidenceCode, pa.Description}
		for _, uri := range pa.PhenotypeURIs {
			fields = append(fields, uri, path.Base(uri))
		}
		title := pa.Description
		if title == "" && len(pa.PhenotypeURIs) > 0 {
			title = path.Base(pa.PhenotypeURIs[0])
		}
		b.add(domain.EntityPhenotype, pa.ID, title, fields...)
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	now := ix.clock.Now()
	gen := &generation{
		docs:     b.docs,
		postings: b.postings,
		stats:    Stats{Documents: len(b.docs), Terms: len(b.postings), BuiltAt: now, Took: now.Sub(start)},
	}
	ix.gen.Store(gen)
	ix.logger.Info("search index rebuilt", "documents", gen.stats.Documents, "terms", gen.stats.Terms, "took", gen.stats.Took.String())
	return gen.stats, nil
}

// Stats reports the current generation.
func (ix *Index) Stats() Stats { return ix.gen.Load().stats }

// Search returns records matching any query token, ranked by the number of
// distinct tokens matched. types restricts the entity types searched.
func (ix *Index) Search(query string, types ...domain.EntityType) []Hit {
	gen := ix.gen.Load()
	allowed := make(map[domain.EntityType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	scores := make(map[int]int)
	for _, tok := range uniqueTokens(query) {
		for _, d := range gen.postings[tok] {
			if len(allowed) > 0 && !allowed[gen.docs[d].entity] {
				continue
			}
			scores[d]++
		}
	}
	hits := make([]Hit, 0, len(scores))
	for d, score := range scores {
		doc := gen.docs[d]
		hits = append(hits, Hit{Entity: doc.entity, ID: doc.id, Title: doc.title, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Entity != hits[j].Entity {
			return hits[i].Entity < hits[j].Entity
		}
		if hits[i].Title != hits[j].Title {
			return hits[i].Title < hits[j].Title
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

type builder struct {
	docs     []document
	postings map[string][]int
}

func (b *builder) add(entity domain.EntityType, id, title string, fields ...string) {
	idx := len(b.docs)
	b.docs = append(b.docs, document{entity: entity, id: id, title: title})
	seen := make(map[string]struct{})
	for _, f := range fields {
		for _, tok := range tokenize(f) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			b.postings[tok] = append(b.postings[tok], idx)
		}
	}
}

// tokenize lower-cases s and splits it on anything that is not a letter, digit
// or underscore.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func uniqueTokens(s string) []string {
	toks := tokenize(s)
	seen := make(map[string]struct{}, len(toks))
	out := toks[:0]
	for _, t := range toks {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
