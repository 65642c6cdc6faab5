package geo

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"exprcore/pkg/domain"
)

const maxSOFTLine = 4 << 20

// Table holds the tab-separated data block of a sample section.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Column returns the index of name, or -1.
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Record is one entity section (^SERIES, ^PLATFORM, ^SAMPLE, ...) of a SOFT
// file. Attribute keys are lower case with the entity prefix removed, so
// "!Sample_title" is stored as "title".
type Record struct {
	Type            string              `json:"type"`
	Accession       string              `json:"accession"`
	Attributes      map[string][]string `json:"attributes"`
	Characteristics map[string]string   `json:"characteristics,omitempty"`
	Table           *Table              `json:"table,omitempty"`
}

// First returns the first value of an attribute.
func (r Record) First(key string) string {
	if vs := r.Attributes[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Family is a parsed family file.
type Family struct {
	Series    *Record  `json:"series,omitempty"`
	Platforms []Record `json:"platforms"`
	Samples   []Record `json:"samples"`
	Other     []Record `json:"other,omitempty"`
}

// Parse reads a SOFT stream, gzip-compressed or plain. Decompression runs on
// its own goroutine feeding the line parser through a pipe; cancelling ctx
// stops both.
func Parse(ctx context.Context, r io.Reader) (*Family, error) {
	pr, pw := io.Pipe()
	go func() {
		src, err := decompress(r)
		if err == nil {
			_, err = io.Copy(pw, src)
		}
		_ = pw.CloseWithError(err)
	}()
	stop := context.AfterFunc(ctx, func() { _ = pr.CloseWithError(ctx.Err()) })
	defer stop()
	defer func() { _ = pr.Close() }()

	p := &softParser{fam: &Family{}}
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64<<10), maxSOFTLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.lineNo++
		if err := p.line(strings.TrimRight(sc.Text(), "\r")); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read SOFT stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.flush()
	if p.fam.Series == nil && len(p.fam.Platforms) == 0 && len(p.fam.Samples) == 0 && len(p.fam.Other) == 0 {
		return nil, domain.ValidationError{Field: "soft", Message: "stream contains no SOFT records"}
	}
	return p.fam, nil
}

func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, nil
	}
	return br, nil
}

type softParser struct {
	fam     *Family
	cur     *Record
	inTable bool
	lineNo  int
}

func (p *softParser) line(line string) error {
	if p.inTable {
		if strings.HasPrefix(line, "!") && strings.HasSuffix(strings.ToLower(line), "_table_end") {
			p.inTable = false
			return nil
		}
		if p.cur == nil || p.cur.Table == nil {
			return nil
		}
		cells := strings.Split(line, "\t")
		if p.cur.Table.Columns == nil {
			p.cur.Table.Columns = cells
			return nil
		}
		p.cur.Table.Rows = append(p.cur.Table.Rows, cells)
		return nil
	}
	if line == "" {
		return nil
	}
	switch line[0] {
	case '^':
		key, value, ok := splitAssignment(line[1:])
		if !ok || value == "" {
			return domain.ValidationError{Field: "soft", Message: fmt.Sprintf("line %d: malformed entity header %q", p.lineNo, line)}
		}
		p.flush()
		p.cur = &Record{
			Type:       strings.ToUpper(key),
			Accession:  value,
			Attributes: make(map[string][]string),
		}
	case '!':
		if p.cur == nil {
			return nil
		}
		lower := strings.ToLower(line)
		if strings.HasSuffix(lower, "_table_begin") {
			p.inTable = true
			if p.cur.Type == "SAMPLE" {
				p.cur.Table = &Table{}
			}
			return nil
		}
		key, value, ok := splitAssignment(line[1:])
		if !ok {
			return nil
		}
		key = p.attributeKey(key)
		p.cur.Attributes[key] = append(p.cur.Attributes[key], value)
		if channel, found := strings.CutPrefix(key, "characteristics_"); found {
			p.characteristic(channel, value)
		}
	}
	return nil
}

func (p *softParser) attributeKey(key string) string {
	key = strings.ToLower(key)
	if prefix, rest, ok := strings.Cut(key, "_"); ok && prefix == strings.ToLower(p.cur.Type) {
		return rest
	}
	return key
}

func (p *softParser) characteristic(channel, value string) {
	name, v, ok := strings.Cut(value, ":")
	if !ok {
		name, v = "characteristic", value
	}
	name = strings.ToLower(strings.TrimSpace(name))
	v = strings.TrimSpace(v)
	if name == "" || v == "" {
		return
	}
	if channel != "ch1" {
		name += " (" + channel + ")"
	}
	if p.cur.Characteristics == nil {
		p.cur.Characteristics = make(map[string]string)
	}
	if _, exists := p.cur.Characteristics[name]; !exists {
		p.cur.Characteristics[name] = v
	}
}

func (p *softParser) flush() {
	if p.cur == nil {
		return
	}
	rec := *p.cur
	p.cur = nil
	switch rec.Type {
	case "SERIES":
		if p.fam.Series == nil {
			p.fam.Series = &rec
			return
		}
	case "PLATFORM":
		p.fam.Platforms = append(p.fam.Platforms, rec)
		return
	case "SAMPLE":
		p.fam.Samples = append(p.fam.Samples, rec)
		return
	}
	p.fam.Other = append(p.fam.Other, rec)
}

func splitAssignment(s string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(s, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), strings.TrimSpace(key) != ""
}
