package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"exprcore/internal/adapters/httpapi"
	"exprcore/internal/config"
	"exprcore/internal/geo"
	"exprcore/internal/search"
	"exprcore/internal/tasks"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`auth:
  secret: cli-secret
  issuer: exprcore-cli
storage:
  driver: sqlite
  sqlite_path: %s
blob:
  driver: fs
  fs_root: %s
search:
  schedule: ""
analysis:
  components: 2
log:
  level: error
`, filepath.Join(dir, "expr.db"), filepath.Join(dir, "blobs"))
	path := filepath.Join(dir, "exprcore.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envFile := filepath.Join(dir, "empty.env")
	if err := os.WriteFile(envFile, nil, 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path, envFile
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const seriesSOFT = `^SERIES = GSE900
!Series_title = Hypoxia response in fibroblasts
^PLATFORM = GPL96
!Platform_title = Affymetrix HG-U133A
!Platform_technology = in situ oligonucleotide
^SAMPLE = GSM901
!Sample_title = normoxia rep1
!Sample_organism_ch1 = Homo sapiens
!Sample_characteristics_ch1 = oxygen: normoxia
!Sample_platform_id = GPL96
!sample_table_begin
ID_REF	VALUE
a	1.0
b	4.0
c	2.5
!sample_table_end
^SAMPLE = GSM902
!Sample_title = normoxia rep2
!Sample_organism_ch1 = Homo sapiens
!Sample_characteristics_ch1 = oxygen: normoxia
!Sample_platform_id = GPL96
!sample_table_begin
ID_REF	VALUE
a	1.2
b	4.1
c	2.0
!sample_table_end
^SAMPLE = GSM903
!Sample_title = hypoxia rep1
!Sample_organism_ch1 = Homo sapiens
!Sample_characteristics_ch1 = oxygen: hypoxia
!Sample_platform_id = GPL96
!sample_table_begin
ID_REF	VALUE
a	6.0
b	3.9
c	2.2
!sample_table_end
^SAMPLE = GSM904
!Sample_title = hypoxia rep2
!Sample_organism_ch1 = Homo sapiens
!Sample_characteristics_ch1 = oxygen: hypoxia
!Sample_platform_id = GPL96
!sample_table_begin
ID_REF	VALUE
a	6.3
b	4.2
c	2.9
!sample_table_end
`

func TestImportIndexAndAnalyzeCommands(t *testing.T) {
	cfgPath, envFile := writeConfig(t)
	softPath := filepath.Join(t.TempDir(), "GSE900_family.soft")
	if err := os.WriteFile(softPath, []byte(seriesSOFT), 0o600); err != nil {
		t.Fatalf("write soft: %v", err)
	}
	common := []string{"--config", cfgPath, "--env-file", envFile}

	out, err := execute(t, append([]string{"geo", "import", "--file", softPath}, common...)...)
	if err != nil {
		t.Fatalf("geo import: %v", err)
	}
	var imported geo.ImportResult
	if err := json.Unmarshal([]byte(out), &imported); err != nil {
		t.Fatalf("decode import output %q: %v", out, err)
	}
	if imported.Experiment.ShortName != "GSE900" || len(imported.BioAssays) != 4 || imported.MatrixProbes != 3 {
		t.Fatalf("unexpected import result %+v", imported)
	}
	if _, err := execute(t, append([]string{"geo", "import", "--file", softPath}, common...)...); err == nil {
		t.Fatalf("expected second import of the same series to fail")
	}

	out, err = execute(t, append([]string{"index", "rebuild", "--query", "hypoxia"}, common...)...)
	if err != nil {
		t.Fatalf("index rebuild: %v", err)
	}
	var indexed struct {
		Index search.Stats `json:"index"`
		Hits  []search.Hit `json:"hits"`
	}
	if err := json.Unmarshal([]byte(out), &indexed); err != nil {
		t.Fatalf("decode index output %q: %v", out, err)
	}
	if indexed.Index.Documents != 2 || len(indexed.Hits) != 1 || indexed.Hits[0].ID != imported.Experiment.ID {
		t.Fatalf("unexpected index output %+v", indexed)
	}

	out, err = execute(t, append([]string{"analyze", imported.Experiment.ID, "--kind", "svd", "--as", "ops"}, common...)...)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var rec tasks.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode analyze output %q: %v", out, err)
	}
	if rec.Status != tasks.StatusSucceeded || rec.RequestedBy != "ops" || rec.AnalysisID == "" {
		t.Fatalf("unexpected task record %+v", rec)
	}

	if _, err := execute(t, append([]string{"analyze", "missing", "--kind", "svd"}, common...)...); err == nil {
		t.Fatalf("expected unknown experiment to fail")
	}
	if _, err := execute(t, append([]string{"geo", "import"}, common...)...); err == nil {
		t.Fatalf("expected import without accession or file to fail")
	}
}

func TestTokenCommand(t *testing.T) {
	cfgPath, envFile := writeConfig(t)
	out, err := execute(t, "token", "ada", "--role", "curator,admin", "--ttl", "1h", "--config", cfgPath, "--env-file", envFile)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims := &httpapi.Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("cli-secret"), nil
	}, jwt.WithIssuer("exprcore-cli"))
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != "ada" || len(claims.Roles) != 2 || claims.Roles[1] != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := execute(t, "token", "ada", "--role", "wizard", "--config", cfgPath, "--env-file", envFile); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestConfigErrorsStopCommands(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("storage:\n  driver: mongo\nauth:\n  secret: x\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envFile := filepath.Join(dir, "empty.env")
	if err := os.WriteFile(envFile, nil, 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	_, err := execute(t, "index", "rebuild", "--config", bad, "--env-file", envFile)
	if err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Fatalf("expected storage driver error, got %v", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeAnswersAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Auth.Disabled = true
	cfg.Storage.Driver = "memory"
	cfg.Blob.Driver = "memory"
	cfg.Search.Schedule = "@every 1h"
	cfg.HTTP.Expvar = true
	cfg.Log.Level = "error"
	cfg.Log.Trace = true
	logs := &lockedBuffer{}
	c := &cli{cfg: cfg, stderr: logs}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	resp, err := http.Post("http://"+addr+"/api/v1/genes", "application/json", strings.NewReader(`{"official_symbol":"HIF1A"}`))
	if err != nil {
		t.Fatalf("create gene: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, err = http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "exprcore_service_operations_total") {
		t.Fatalf("service metrics missing from /metrics")
	}
	resp, err = http.Get("http://" + addr + "/debug/vars")
	if err != nil {
		t.Fatalf("expvar: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "exprcore_service_metrics_") || !strings.Contains(string(body), "create_gene") {
		t.Fatalf("expected service metrics on /debug/vars, got %d %s", resp.StatusCode, body)
	}
	if !strings.Contains(logs.String(), `"operation":"create_gene"`) {
		t.Fatalf("expected a trace line for create_gene, got %s", logs.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
