// Package analysis runs the in-process statistics over expression matrices:
// analyzer selection, per-probe linear models with partial F-tests,
// Benjamini-Hochberg correction, and SVD of the centred data.
package analysis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"exprcore/internal/blob"
	"exprcore/pkg/domain"
)

// ErrNoData is returned when an experiment has no stored expression matrix.
var ErrNoData = errors.New("analysis: no expression data")

// Matrix holds probe-by-bioassay expression values. Missing values are NaN.
type Matrix struct {
	Probes  []string
	Samples []string
	Values  [][]float64
}

// MatrixKey is the blob key of an experiment's expression matrix.
func MatrixKey(experimentID string) string {
	return "experiments/" + experimentID + "/data.tsv"
}

// ParseMatrix reads a TSV whose header is `probe` followed by one column per
// bioassay name. NA and empty cells parse as NaN.
func ParseMatrix(r io.Reader) (*Matrix, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	m := &Matrix{}
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if line == 1 {
			cols := strings.Split(text, "\t")
			if len(cols) < 2 {
				return nil, fmt.Errorf("matrix header: need a probe column and at least one sample")
			}
			m.Samples = make([]string, 0, len(cols)-1)
			seen := make(map[string]struct{}, len(cols)-1)
			for _, c := range cols[1:] {
				c = strings.TrimSpace(c)
				if c == "" {
					return nil, fmt.Errorf("matrix header: empty sample name")
				}
				if _, dup := seen[c]; dup {
					return nil, fmt.Errorf("matrix header: duplicate sample %q", c)
				}
				seen[c] = struct{}{}
				m.Samples = append(m.Samples, c)
			}
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		cells := strings.Split(text, "\t")
		if len(cells) != len(m.Samples)+1 {
			return nil, fmt.Errorf("matrix line %d: expected %d columns, got %d", line, len(m.Samples)+1, len(cells))
		}
		row := make([]float64, len(m.Samples))
		for i, cell := range cells[1:] {
			v, err := parseCell(cell)
			if err != nil {
				return nil, fmt.Errorf("matrix line %d column %d: %w", line, i+2, err)
			}
			row[i] = v
		}
		m.Probes = append(m.Probes, strings.TrimSpace(cells[0]))
		m.Values = append(m.Values, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	if line == 0 {
		return nil, fmt.Errorf("matrix is empty")
	}
	return m, nil
}

func parseCell(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	switch strings.ToUpper(cell) {
	case "", "NA", "NAN", "NULL":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(cell, 64)
}

// WriteTSV serialises the matrix in the format ParseMatrix reads.
func (m *Matrix) WriteTSV(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("probe")
	for _, s := range m.Samples {
		bw.WriteByte('\t')
		bw.WriteString(s)
	}
	bw.WriteByte('\n')
	for i, probe := range m.Probes {
		bw.WriteString(probe)
		for _, v := range m.Values[i] {
			bw.WriteByte('\t')
			if math.IsNaN(v) {
				bw.WriteString("NA")
			} else {
				bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Column returns the index of the named sample or -1.
func (m *Matrix) Column(sample string) int {
	for i, s := range m.Samples {
		if s == sample {
			return i
		}
	}
	return -1
}

// LoadMatrix reads an experiment's matrix from the blob store.
func LoadMatrix(ctx context.Context, store blob.Store, experimentID string) (*Matrix, error) {
	data, err := blob.ReadAll(ctx, store, MatrixKey(experimentID))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, ErrNoData
		}
		return nil, err
	}
	return ParseMatrix(bytes.NewReader(data))
}

// SaveMatrix validates data as a matrix and stores it for the experiment,
// replacing any previous upload.
func SaveMatrix(ctx context.Context, store blob.Store, experimentID string, data []byte) (*Matrix, error) {
	m, err := ParseMatrix(bytes.NewReader(data))
	if err != nil {
		return nil, domain.ValidationError{Field: "data", Message: err.Error()}
	}
	if _, err := blob.Replace(ctx, store, MatrixKey(experimentID), bytes.NewReader(data), blob.PutOptions{ContentType: "text/tab-separated-values"}); err != nil {
		return nil, err
	}
	return m, nil
}
