package geo

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"exprcore/internal/analysis"
	"exprcore/internal/blob"
	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

// Service is the subset of core.Service the importer writes through.
type Service interface {
	GetExperimentByShortName(ctx context.Context, shortName string) (domain.ExpressionExperiment, error)
	FindOrCreateArrayDesign(ctx context.Context, ad domain.ArrayDesign) (domain.ArrayDesign, bool, error)
	ImportExperiment(ctx context.Context, ee domain.ExpressionExperiment, assays []domain.BioAssay) (domain.ExpressionExperiment, []domain.BioAssay, domain.Result, error)
}

// ImportResult summarises an import.
type ImportResult struct {
	Experiment   domain.ExpressionExperiment `json:"experiment"`
	ArrayDesigns []domain.ArrayDesign        `json:"array_designs"`
	BioAssays    []domain.BioAssay           `json:"bioassays"`
	MatrixProbes int                         `json:"matrix_probes"`
}

// Importer turns parsed series families into experiments.
type Importer struct {
	svc    Service
	blobs  blob.Store
	logger core.Logger
}

// ImporterOption customises an Importer.
type ImporterOption func(*Importer)

// WithImportLogger sets the logger.
func WithImportLogger(l core.Logger) ImporterOption {
	return func(im *Importer) {
		if l != nil {
			im.logger = l
		}
	}
}

// NewImporter constructs an importer. blobs may be nil, in which case sample
// data tables are not stored as an expression matrix.
func NewImporter(svc Service, blobs blob.Store, opts ...ImporterOption) *Importer {
	im := &Importer{svc: svc, blobs: blobs, logger: core.NopLogger()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportArchive parses the stored series archive for acc and imports it.
func (im *Importer) ImportArchive(ctx context.Context, f *Fetcher, acc Accession) (ImportResult, error) {
	if acc.Kind != KindSeries {
		return ImportResult{}, domain.ValidationError{Field: "accession", Message: "only GSE series can be imported"}
	}
	rc, err := f.Open(ctx, acc)
	if err != nil {
		return ImportResult{}, err
	}
	defer func() { _ = rc.Close() }()
	fam, err := Parse(ctx, rc)
	if err != nil {
		return ImportResult{}, fmt.Errorf("parse %s: %w", acc, err)
	}
	return im.Import(ctx, fam)
}

// Import creates the experiment, its platforms and bioassays. Characteristics
// that vary across samples become categorical factors. An accession that is
// already present is refused. The experiment and its bioassays are written in
// one transaction; only array designs found or created along the way survive
// a failed import.
func (im *Importer) Import(ctx context.Context, fam *Family) (ImportResult, error) {
	if fam == nil || fam.Series == nil {
		return ImportResult{}, domain.ValidationError{Field: "soft", Message: "family has no ^SERIES section"}
	}
	acc, err := ParseAccession(fam.Series.Accession)
	if err != nil {
		return ImportResult{}, err
	}
	if acc.Kind != KindSeries {
		return ImportResult{}, domain.ValidationError{Field: "accession", Message: fmt.Sprintf("%s is not a series", acc)}
	}
	if len(fam.Samples) == 0 {
		return ImportResult{}, domain.ValidationError{Field: "soft", Message: fmt.Sprintf("%s has no samples", acc)}
	}
	if err := checkSamples(fam.Samples); err != nil {
		return ImportResult{}, err
	}
	if _, err := im.svc.GetExperimentByShortName(ctx, acc.String()); err == nil {
		return ImportResult{}, domain.DuplicateError{Entity: domain.EntityExperiment, Field: "short_name", Value: acc.String()}
	} else if !domain.IsNotFound(err) {
		return ImportResult{}, err
	}

	var res ImportResult
	platforms, err := im.platforms(ctx, fam, &res)
	if err != nil {
		return ImportResult{}, err
	}

	factors := deriveFactors(fam.Samples)
	ee := domain.ExpressionExperiment{
		Base:        domain.Base{ID: uuid.NewString()},
		ShortName:   acc.String(),
		Name:        firstNonEmpty(fam.Series.First("title"), acc.String()),
		Description: fam.Series.First("summary"),
		Accession:   acc.String(),
		Taxon:       firstNonEmpty(fam.Samples[0].First("organism_ch1"), fam.Series.First("sample_organism")),
		Factors:     factors,
	}
	for _, ad := range res.ArrayDesigns {
		ee.ArrayDesignIDs = append(ee.ArrayDesignIDs, ad.ID)
	}
	if ee.Taxon == "" && len(res.ArrayDesigns) > 0 {
		ee.Taxon = res.ArrayDesigns[0].PrimaryTaxon
	}

	assays := make([]domain.BioAssay, 0, len(fam.Samples))
	for _, s := range fam.Samples {
		ba := domain.BioAssay{
			Name:          s.Accession,
			ArrayDesignID: platforms[strings.ToUpper(s.First("platform_id"))],
			SampleName:    firstNonEmpty(s.First("title"), s.Accession),
			Description:   s.First("source_name_ch1"),
			FactorValues:  make(map[string]string),
		}
		for _, f := range factors {
			if v := s.Characteristics[f.Name]; v != "" {
				ba.FactorValues[f.Name] = v
			}
		}
		assays = append(assays, ba)
	}

	// The matrix is staged under the experiment id first and withdrawn if the
	// records are rejected.
	staged := false
	if im.blobs != nil {
		if data, probes := sampleMatrix(fam.Samples); probes > 0 {
			if _, err := analysis.SaveMatrix(ctx, im.blobs, ee.ID, data); err != nil {
				return ImportResult{}, fmt.Errorf("store matrix for %s: %w", acc, err)
			}
			staged = true
			res.MatrixProbes = probes
		}
	}
	created, added, _, err := im.svc.ImportExperiment(ctx, ee, assays)
	if err != nil {
		if staged {
			if _, derr := im.blobs.Delete(context.WithoutCancel(ctx), analysis.MatrixKey(ee.ID)); derr != nil {
				im.logger.Warn("staged matrix not removed", "accession", acc.String(), "key", analysis.MatrixKey(ee.ID), "error", derr)
			}
		}
		return ImportResult{}, fmt.Errorf("import %s: %w", acc, err)
	}
	res.Experiment = created
	res.BioAssays = added
	im.logger.Info("geo series imported", "accession", acc.String(), "experiment_id", created.ID,
		"bioassays", len(added), "factors", len(factors), "matrix_probes", res.MatrixProbes)
	return res, nil
}

// checkSamples rejects families whose samples cannot all become bioassays,
// before anything is written.
func checkSamples(samples []Record) error {
	seen := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		if strings.TrimSpace(s.First("platform_id")) == "" {
			return domain.ValidationError{Field: "platform_id", Message: fmt.Sprintf("sample %s has no platform", s.Accession)}
		}
		key := strings.ToUpper(s.Accession)
		if _, dup := seen[key]; dup {
			return domain.ValidationError{Field: "soft", Message: fmt.Sprintf("sample %s appears twice", s.Accession)}
		}
		seen[key] = struct{}{}
	}
	return nil
}

// platforms finds or creates an array design for every platform the family
// declares or its samples reference, keyed by upper-case GPL accession.
func (im *Importer) platforms(ctx context.Context, fam *Family, res *ImportResult) (map[string]string, error) {
	declared := make(map[string]Record, len(fam.Platforms))
	var order []string
	for _, p := range fam.Platforms {
		key := strings.ToUpper(p.Accession)
		if _, seen := declared[key]; !seen {
			order = append(order, key)
		}
		declared[key] = p
	}
	for _, s := range fam.Samples {
		key := strings.ToUpper(s.First("platform_id"))
		if key == "" {
			continue
		}
		if _, seen := declared[key]; !seen {
			declared[key] = Record{Accession: key, Attributes: map[string][]string{}}
			order = append(order, key)
		}
	}
	if len(order) == 0 {
		return nil, domain.ValidationError{Field: "soft", Message: "family references no platforms"}
	}
	ids := make(map[string]string, len(order))
	for _, key := range order {
		if _, err := ParseAccession(key); err != nil {
			return nil, err
		}
		p := declared[key]
		ad, created, err := im.svc.FindOrCreateArrayDesign(ctx, domain.ArrayDesign{
			ShortName:    key,
			Name:         firstNonEmpty(p.First("title"), key),
			Technology:   technology(p.First("technology")),
			PrimaryTaxon: p.First("organism"),
		})
		if err != nil {
			return nil, fmt.Errorf("array design %s: %w", key, err)
		}
		if created {
			im.logger.Debug("array design created from geo platform", "short_name", key, "id", ad.ID)
		}
		ids[key] = ad.ID
		res.ArrayDesigns = append(res.ArrayDesigns, ad)
	}
	return ids, nil
}

func technology(geo string) domain.TechnologyType {
	g := strings.ToLower(geo)
	switch {
	case strings.Contains(g, "sequencing"):
		return domain.TechnologySequencing
	case strings.Contains(g, "in situ oligonucleotide"), strings.Contains(g, "single-channel"):
		return domain.TechnologyOneColor
	case strings.Contains(g, "spotted"):
		return domain.TechnologyTwoColor
	default:
		return domain.TechnologyGeneric
	}
}

func deriveFactors(samples []Record) []domain.ExperimentalFactor {
	values := make(map[string]map[string]struct{})
	for _, s := range samples {
		for k, v := range s.Characteristics {
			if values[k] == nil {
				values[k] = make(map[string]struct{})
			}
			values[k][v] = struct{}{}
		}
	}
	names := make([]string, 0, len(values))
	for k, vs := range values {
		if len(vs) > 1 {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	factors := make([]domain.ExperimentalFactor, 0, len(names))
	for _, name := range names {
		levels := make([]string, 0, len(values[name]))
		for v := range values[name] {
			levels = append(levels, v)
		}
		sort.Strings(levels)
		factors = append(factors, domain.ExperimentalFactor{
			Name:    name,
			Type:    domain.FactorCategorical,
			IsBatch: strings.Contains(name, "batch"),
			Levels:  levels,
		})
	}
	return factors
}

// sampleMatrix assembles the VALUE columns of the sample tables into matrix
// TSV, probes in order of first appearance.
func sampleMatrix(samples []Record) ([]byte, int) {
	type column struct {
		name   string
		values map[string]string
	}
	var cols []column
	var probes []string
	seen := make(map[string]struct{})
	for _, s := range samples {
		if s.Table == nil {
			continue
		}
		idCol, valCol := s.Table.Column("ID_REF"), s.Table.Column("VALUE")
		if idCol < 0 || valCol < 0 {
			continue
		}
		col := column{name: s.Accession, values: make(map[string]string, len(s.Table.Rows))}
		for _, row := range s.Table.Rows {
			if idCol >= len(row) || valCol >= len(row) {
				continue
			}
			id := strings.TrimSpace(row[idCol])
			if id == "" {
				continue
			}
			col.values[id] = normaliseValue(row[valCol])
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				probes = append(probes, id)
			}
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 || len(probes) == 0 {
		return nil, 0
	}
	var buf bytes.Buffer
	buf.WriteString("probe")
	for _, c := range cols {
		buf.WriteByte('\t')
		buf.WriteString(c.name)
	}
	buf.WriteByte('\n')
	for _, p := range probes {
		buf.WriteString(p)
		for _, c := range cols {
			buf.WriteByte('\t')
			v, ok := c.values[p]
			if !ok {
				v = "NA"
			}
			buf.WriteString(v)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), len(probes)
}

func normaliseValue(raw string) string {
	raw = strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) {
		return "NA"
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
