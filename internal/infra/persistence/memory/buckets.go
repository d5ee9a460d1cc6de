package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets lists the snapshot sections durable stores persist, in write order.
var Buckets = []string{"budgets", "titles", "line_items", "analyses", "shared_prices", "approvals", "counters"}

func (s *Snapshot) section(bucket string) (any, bool) {
	switch bucket {
	case "budgets":
		return &s.Budgets, true
	case "titles":
		return &s.Titles, true
	case "line_items":
		return &s.LineItems, true
	case "analyses":
		return &s.Analyses, true
	case "shared_prices":
		return &s.Prices, true
	case "approvals":
		return &s.Approvals, true
	case "counters":
		return &s.Counters, true
	default:
		return nil, false
	}
}

// EncodeBuckets marshals every snapshot section to JSON keyed by bucket name.
func (s Snapshot) EncodeBuckets() (map[string][]byte, error) {
	out := make(map[string][]byte, len(Buckets))
	for _, bucket := range Buckets {
		target, _ := s.section(bucket)
		data, err := json.Marshal(target)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBucket unmarshals payload into the named section. Unknown buckets are
// ignored so older databases with retired sections still load.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	target, ok := s.section(bucket)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
