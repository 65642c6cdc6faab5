package geo

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"exprcore/internal/analysis"
	"exprcore/internal/blob"
	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

func TestParseAccession(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "GSE12345", want: "GSE12345"},
		{in: " gpl570 ", want: "GPL570"},
		{in: "gds1", want: "GDS1"},
		{in: "GSM99", want: "GSM99"},
		{in: "GSE", wantErr: true},
		{in: "GSX12", wantErr: true},
		{in: "GSE12a", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseAccession(tc.in)
		if tc.wantErr {
			if !domain.IsValidation(err) {
				t.Fatalf("ParseAccession(%q): expected validation error, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAccession(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseAccession(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestBucketRootAndPaths(t *testing.T) {
	cases := map[string]string{
		"GSE1":     "GSEnnn",
		"GSE123":   "GSEnnn",
		"GSE1234":  "GSE1nnn",
		"GSE12345": "GSE12nnn",
		"GPL570":   "GPLnnn",
		"GDS5000":  "GDS5nnn",
	}
	for in, want := range cases {
		acc, err := ParseAccession(in)
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if got := BucketRoot(acc); got != want {
			t.Fatalf("BucketRoot(%s) = %s, want %s", in, got, want)
		}
	}

	gse, _ := ParseAccession("GSE12345")
	if got := SeriesFamilyPath(gse); got != "geo/series/GSE12nnn/GSE12345/soft/GSE12345_family.soft.gz" {
		t.Fatalf("unexpected series path %s", got)
	}
	gpl, _ := ParseAccession("GPL570")
	if got := PlatformFamilyPath(gpl); got != "geo/platforms/GPLnnn/GPL570/soft/GPL570_family.soft.gz" {
		t.Fatalf("unexpected platform path %s", got)
	}
	gds, _ := ParseAccession("GDS5000")
	if got := DatasetPath(gds); got != "geo/datasets/GDS5nnn/GDS5000/soft/GDS5000.soft.gz" {
		t.Fatalf("unexpected dataset path %s", got)
	}
	gsm, _ := ParseAccession("GSM1")
	if _, err := RemotePath(gsm); !domain.IsValidation(err) {
		t.Fatalf("expected samples to have no remote path, got %v", err)
	}
}

type sampleSpec struct {
	acc       string
	treatment string
	values    map[string]string
}

func familySOFT() string {
	var b strings.Builder
	b.WriteString("^DATABASE = GeoMiame\n")
	b.WriteString("!Database_name = Gene Expression Omnibus (GEO)\n")
	b.WriteString("^SERIES = GSE12345\n")
	b.WriteString("!Series_title = Drug response in liver\n")
	b.WriteString("!Series_summary = Liver samples treated with drug or vehicle.\n")
	b.WriteString("^PLATFORM = GPL570\n")
	b.WriteString("!Platform_title = [HG-U133_Plus_2] Affymetrix Human Genome U133 Plus 2.0 Array\n")
	b.WriteString("!Platform_technology = in situ oligonucleotide\n")
	b.WriteString("!Platform_organism = Homo sapiens\n")
	b.WriteString("!platform_table_begin\nID\tGene Symbol\n1007_s_at\tDDR1\n!platform_table_end\n")
	samples := []sampleSpec{
		{acc: "GSM1", treatment: "control", values: map[string]string{"p1": "5.1", "p2": "7.0"}},
		{acc: "GSM2", treatment: "control", values: map[string]string{"p1": "5.3", "p2": "7.2"}},
		{acc: "GSM3", treatment: "drug", values: map[string]string{"p1": "9.0", "p2": "null"}},
		{acc: "GSM4", treatment: "drug", values: map[string]string{"p1": "9.4"}},
	}
	for _, s := range samples {
		fmt.Fprintf(&b, "^SAMPLE = %s\r\n", s.acc)
		fmt.Fprintf(&b, "!Sample_title = %s %s\n", s.treatment, s.acc)
		b.WriteString("!Sample_source_name_ch1 = liver\n")
		b.WriteString("!Sample_organism_ch1 = Homo sapiens\n")
		b.WriteString("!Sample_characteristics_ch1 = tissue: liver\n")
		fmt.Fprintf(&b, "!Sample_characteristics_ch1 = Treatment: %s\n", s.treatment)
		b.WriteString("!Sample_platform_id = GPL570\n")
		b.WriteString("#ID_REF = \n#VALUE = RMA signal\n")
		b.WriteString("!sample_table_begin\nID_REF\tVALUE\n")
		for _, p := range []string{"p1", "p2"} {
			if v, ok := s.values[p]; ok {
				fmt.Fprintf(&b, "%s\t%s\n", p, v)
			}
		}
		b.WriteString("!sample_table_end\n")
	}
	return b.String()
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestParsePlainAndGzip(t *testing.T) {
	for name, input := range map[string][]byte{
		"plain": []byte(familySOFT()),
		"gzip":  gzipped(t, familySOFT()),
	} {
		fam, err := Parse(context.Background(), bytes.NewReader(input))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if fam.Series == nil || fam.Series.Accession != "GSE12345" || fam.Series.First("title") != "Drug response in liver" {
			t.Fatalf("%s: unexpected series %+v", name, fam.Series)
		}
		if len(fam.Platforms) != 1 || fam.Platforms[0].First("organism") != "Homo sapiens" {
			t.Fatalf("%s: unexpected platforms %+v", name, fam.Platforms)
		}
		if fam.Platforms[0].Table != nil {
			t.Fatalf("%s: platform tables should not be retained", name)
		}
		if len(fam.Other) != 1 || fam.Other[0].Type != "DATABASE" {
			t.Fatalf("%s: unexpected other records %+v", name, fam.Other)
		}
		if len(fam.Samples) != 4 {
			t.Fatalf("%s: expected 4 samples, got %d", name, len(fam.Samples))
		}
		s := fam.Samples[2]
		if s.Accession != "GSM3" || s.Characteristics["treatment"] != "drug" || s.Characteristics["tissue"] != "liver" {
			t.Fatalf("%s: unexpected sample %+v", name, s)
		}
		if got := len(s.Attributes["characteristics_ch1"]); got != 2 {
			t.Fatalf("%s: expected both characteristics attributes, got %d", name, got)
		}
		if s.Table == nil || len(s.Table.Rows) != 2 || s.Table.Column("VALUE") != 1 {
			t.Fatalf("%s: unexpected sample table %+v", name, s.Table)
		}
	}
}

func TestParseErrors(t *testing.T) {
	boom := errors.New("boom")
	if _, err := Parse(context.Background(), iotest.ErrReader(boom)); !errors.Is(err, boom) {
		t.Fatalf("expected reader error, got %v", err)
	}
	if _, err := Parse(context.Background(), strings.NewReader("^SAMPLE\n")); !domain.IsValidation(err) {
		t.Fatalf("expected malformed header error, got %v", err)
	}
	if _, err := Parse(context.Background(), strings.NewReader("just text\n")); !domain.IsValidation(err) {
		t.Fatalf("expected empty stream error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Parse(ctx, strings.NewReader(familySOFT())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestFetcherSkipsStoredArchives(t *testing.T) {
	payload := gzipped(t, familySOFT())
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/geo/series/GSE12nnn/GSE12345/soft/GSE12345_family.soft.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	store := blob.NewMemory()
	f := NewFetcher(store, WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()), WithRateLimit(0, 0))
	acc, _ := ParseAccession("GSE12345")
	ctx := context.Background()

	res, err := f.Fetch(ctx, acc, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Skipped || res.Size != int64(len(payload)) || res.Key != SeriesFamilyPath(acc) {
		t.Fatalf("unexpected first fetch %+v", res)
	}
	res, err = f.Fetch(ctx, acc, false)
	if err != nil || !res.Skipped {
		t.Fatalf("expected skip, got %+v %v", res, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one request, got %d", hits.Load())
	}
	if _, err := f.Fetch(ctx, acc, true); err != nil {
		t.Fatalf("forced fetch: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("forced fetch should hit the server, got %d", hits.Load())
	}

	missing, _ := ParseAccession("GSE999")
	if _, err := f.Fetch(ctx, missing, false); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.Open(ctx, missing); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on open, got %v", err)
	}
}

func TestFetcherHonoursContext(t *testing.T) {
	f := NewFetcher(blob.NewMemory(), WithBaseURL("http://127.0.0.1:1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acc, _ := ParseAccession("GSE1")
	if _, err := f.Fetch(ctx, acc, false); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestImportSeriesFamily(t *testing.T) {
	ctx := context.Background()
	svc := core.NewInMemoryService(nil)
	store := blob.NewMemory()
	im := NewImporter(svc, store)

	fam, err := Parse(ctx, strings.NewReader(familySOFT()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res, err := im.Import(ctx, fam)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	ee := res.Experiment
	if ee.ShortName != "GSE12345" || ee.Accession != "GSE12345" || ee.Taxon != "Homo sapiens" {
		t.Fatalf("unexpected experiment %+v", ee)
	}
	if len(ee.Factors) != 1 || ee.Factors[0].Name != "treatment" || strings.Join(ee.Factors[0].Levels, ",") != "control,drug" {
		t.Fatalf("expected a single treatment factor, got %+v", ee.Factors)
	}
	if len(res.ArrayDesigns) != 1 || res.ArrayDesigns[0].Technology != domain.TechnologyOneColor {
		t.Fatalf("unexpected array designs %+v", res.ArrayDesigns)
	}
	if len(res.BioAssays) != 4 || res.BioAssays[3].FactorValues["treatment"] != "drug" {
		t.Fatalf("unexpected bioassays %+v", res.BioAssays)
	}
	if res.MatrixProbes != 2 {
		t.Fatalf("expected 2 matrix probes, got %d", res.MatrixProbes)
	}

	m, err := analysis.LoadMatrix(ctx, store, ee.ID)
	if err != nil {
		t.Fatalf("load matrix: %v", err)
	}
	if strings.Join(m.Samples, ",") != "GSM1,GSM2,GSM3,GSM4" {
		t.Fatalf("unexpected matrix samples %v", m.Samples)
	}
	if m.Values[0][3] != 9.4 || !math.IsNaN(m.Values[1][2]) || !math.IsNaN(m.Values[1][3]) {
		t.Fatalf("unexpected matrix values %v", m.Values)
	}

	if _, err := im.Import(ctx, fam); !domain.IsConflict(err) {
		t.Fatalf("expected duplicate import to conflict, got %v", err)
	}
	ads, err := svc.ListArrayDesigns(ctx)
	if err != nil || len(ads) != 1 {
		t.Fatalf("expected the platform to be reused, got %d %v", len(ads), err)
	}
}

func TestImportArchiveFromFetcher(t *testing.T) {
	payload := gzipped(t, familySOFT())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := blob.NewMemory()
	svc := core.NewInMemoryService(nil)
	f := NewFetcher(store, WithBaseURL(srv.URL), WithRateLimit(0, 0))
	im := NewImporter(svc, store)

	acc, _ := ParseAccession("GSE12345")
	if _, err := f.Fetch(ctx, acc, false); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	res, err := im.ImportArchive(ctx, f, acc)
	if err != nil {
		t.Fatalf("import archive: %v", err)
	}
	if len(res.BioAssays) != 4 {
		t.Fatalf("expected 4 bioassays, got %d", len(res.BioAssays))
	}
	gpl, _ := ParseAccession("GPL570")
	if _, err := im.ImportArchive(ctx, f, gpl); !domain.IsValidation(err) {
		t.Fatalf("expected platforms to be rejected, got %v", err)
	}
}

type rejectingService struct {
	*core.Service
}

func (rejectingService) ImportExperiment(context.Context, domain.ExpressionExperiment, []domain.BioAssay) (domain.ExpressionExperiment, []domain.BioAssay, domain.Result, error) {
	return domain.ExpressionExperiment{}, nil, domain.Result{}, domain.DuplicateError{Entity: domain.EntityBioAssay, Field: "name", Value: "GSM1"}
}

func TestFailedImportLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	svc := core.NewInMemoryService(nil)
	store := blob.NewMemory()
	im := NewImporter(svc, store)

	broken := familySOFT() + "^SAMPLE = GSM5\n!Sample_title = orphan\n!Sample_characteristics_ch1 = Treatment: drug\n"
	fam, err := Parse(ctx, strings.NewReader(broken))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := im.Import(ctx, fam); !domain.IsValidation(err) {
		t.Fatalf("expected a sample without platform to be rejected, got %v", err)
	}
	if ees, err := svc.ListExperiments(ctx); err != nil || len(ees) != 0 {
		t.Fatalf("expected no experiments after a rejected import, got %d %v", len(ees), err)
	}

	fam, err = Parse(ctx, strings.NewReader(familySOFT()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := NewImporter(rejectingService{svc}, store).Import(ctx, fam); !domain.IsConflict(err) {
		t.Fatalf("expected the transaction failure to surface, got %v", err)
	}
	if staged, err := store.List(ctx, "experiments/"); err != nil || len(staged) != 0 {
		t.Fatalf("expected the staged matrix to be withdrawn, got %+v %v", staged, err)
	}

	res, err := im.Import(ctx, fam)
	if err != nil {
		t.Fatalf("retry after failed imports: %v", err)
	}
	if res.Experiment.ShortName != "GSE12345" || len(res.BioAssays) != 4 || len(res.Experiment.BioAssayIDs) != 4 {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if _, err := analysis.LoadMatrix(ctx, store, res.Experiment.ID); err != nil {
		t.Fatalf("load matrix after retry: %v", err)
	}
}
