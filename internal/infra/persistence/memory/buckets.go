package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets lists the persistence buckets in the order snapshotting stores write them.
var Buckets = []string{
	"array_designs",
	"experiments",
	"bioassays",
	"genes",
	"protocols",
	"phenotypes",
	"analyses",
	"audit",
}

func (s *Snapshot) bucketTargets() map[string]any {
	return map[string]any{
		"array_designs": &s.ArrayDesigns,
		"experiments":   &s.Experiments,
		"bioassays":     &s.BioAssays,
		"genes":         &s.Genes,
		"protocols":     &s.Protocols,
		"phenotypes":    &s.Phenotypes,
		"analyses":      &s.Analyses,
		"audit":         &s.Audit,
	}
}

// EncodeBuckets marshals every bucket of the snapshot to JSON keyed by bucket name.
func EncodeBuckets(snapshot Snapshot) (map[string][]byte, error) {
	targets := snapshot.bucketTargets()
	out := make(map[string][]byte, len(Buckets))
	for _, bucket := range Buckets {
		data, err := json.Marshal(targets[bucket])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBucket unmarshals payload into the named bucket of snapshot.
// Unknown buckets and empty payloads are ignored so older tables still load.
func DecodeBucket(snapshot *Snapshot, bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	target, ok := snapshot.bucketTargets()[bucket]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
