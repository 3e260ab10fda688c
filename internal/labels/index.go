// Package labels loads ground truth and joins it onto feature vectors.
package labels

import (
	"sort"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Index is a read-only label lookup keyed by entity-day. Build it once with
// NewIndex and pass it to Join.
type Index struct {
	records map[types.EntityDay]types.LabelRecord
}

// NewIndex merges records into an index. When an entity-day is labeled
// more than once a malicious label wins over a benign one.
func NewIndex(records []types.LabelRecord) *Index {
	ix := &Index{records: make(map[types.EntityDay]types.LabelRecord, len(records))}
	for _, r := range records {
		key := r.Key()
		if prev, ok := ix.records[key]; ok && (prev.Malicious || !r.Malicious) {
			continue
		}
		ix.records[key] = r
	}
	return ix
}

// Lookup returns the label of key.
func (ix *Index) Lookup(key types.EntityDay) (types.LabelRecord, bool) {
	r, ok := ix.records[key]
	return r, ok
}

// Len returns the number of labeled entity-days.
func (ix *Index) Len() int {
	return len(ix.records)
}

// Positives returns the number of malicious entity-days.
func (ix *Index) Positives() int {
	n := 0
	for _, r := range ix.records {
		if r.Malicious {
			n++
		}
	}
	return n
}

// Keys lists the labeled entity-days in user, day order.
func (ix *Index) Keys() []types.EntityDay {
	keys := make([]types.EntityDay, 0, len(ix.records))
	for k := range ix.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
