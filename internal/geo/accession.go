// Package geo fetches, parses and imports records from the NCBI Gene
// Expression Omnibus.
package geo

import (
	"fmt"
	"strings"

	"exprcore/pkg/domain"
)

// Kind is the record family encoded in an accession prefix.
type Kind string

const (
	KindSeries   Kind = "GSE"
	KindDataset  Kind = "GDS"
	KindPlatform Kind = "GPL"
	KindSample   Kind = "GSM"
)

// Accession is a parsed GEO identifier such as GSE12345.
type Accession struct {
	Kind   Kind
	Number string
}

func (a Accession) String() string { return string(a.Kind) + a.Number }

// MarshalText renders the accession in its canonical form.
func (a Accession) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses the canonical form.
func (a *Accession) UnmarshalText(b []byte) error {
	parsed, err := ParseAccession(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAccession validates s and normalises it to upper case.
func ParseAccession(s string) (Accession, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 4 {
		return Accession{}, domain.ValidationError{Field: "accession", Message: fmt.Sprintf("malformed GEO accession %q", s)}
	}
	kind := Kind(s[:3])
	switch kind {
	case KindSeries, KindDataset, KindPlatform, KindSample:
	default:
		return Accession{}, domain.ValidationError{Field: "accession", Message: fmt.Sprintf("unsupported GEO accession prefix %q", s[:3])}
	}
	num := s[3:]
	for _, r := range num {
		if r < '0' || r > '9' {
			return Accession{}, domain.ValidationError{Field: "accession", Message: fmt.Sprintf("malformed GEO accession %q", s)}
		}
	}
	return Accession{Kind: kind, Number: num}, nil
}

// BucketRoot is the directory bucket GEO files an accession under: the last
// three digits become "nnn", so GSE12345 lives in GSE12nnn and GSE1 in GSEnnn.
func BucketRoot(a Accession) string {
	if len(a.Number) <= 3 {
		return string(a.Kind) + "nnn"
	}
	return string(a.Kind) + a.Number[:len(a.Number)-3] + "nnn"
}

// SeriesFamilyPath is the relative path of a series family SOFT archive.
func SeriesFamilyPath(a Accession) string {
	return "geo/series/" + BucketRoot(a) + "/" + a.String() + "/soft/" + a.String() + "_family.soft.gz"
}

// PlatformFamilyPath is the relative path of a platform family SOFT archive.
func PlatformFamilyPath(a Accession) string {
	return "geo/platforms/" + BucketRoot(a) + "/" + a.String() + "/soft/" + a.String() + "_family.soft.gz"
}

// DatasetPath is the relative path of a curated dataset SOFT archive.
func DatasetPath(a Accession) string {
	return "geo/datasets/" + BucketRoot(a) + "/" + a.String() + "/soft/" + a.String() + ".soft.gz"
}

// RemotePath selects the archive path for the accession's kind. Samples are
// only distributed inside their series family file.
func RemotePath(a Accession) (string, error) {
	switch a.Kind {
	case KindSeries:
		return SeriesFamilyPath(a), nil
	case KindPlatform:
		return PlatformFamilyPath(a), nil
	case KindDataset:
		return DatasetPath(a), nil
	default:
		return "", domain.ValidationError{Field: "accession", Message: fmt.Sprintf("%s records are not fetched individually", a.Kind)}
	}
}
