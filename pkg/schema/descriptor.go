// Package schema defines the bucket descriptor data model (spec §3
// "BucketDescriptor") and validates incoming descriptors (spec §4.C).
package schema

import (
	"time"

	"github.com/pgkv/pgkv/pkg/types"
)

// FieldDescriptor is one entry of a bucket's index map: the declared
// semantic type of a projected field, and whether it carries a unique
// constraint.
type FieldDescriptor struct {
	Type   types.FieldType `json:"type"`
	Unique bool            `json:"unique"`
}

// Options carries a bucket's schema-version metadata (spec §9 "Dynamic
// descriptor JSON": an explicit struct rather than free-form JSON).
type Options struct {
	Version int `json:"version"`
}

// ReindexActive maps a bucket-schema version to the set of field names
// whose backing columns are still being backfilled under that version
// (spec §9 "a mapping version->set<field>").
type ReindexActive map[int][]string

// Fields returns the union of field names across every version key,
// i.e. every attribute currently unusable in a filter per spec §4.B
// step 2.
func (r ReindexActive) Fields() map[string]bool {
	out := make(map[string]bool)
	for _, fields := range r {
		for _, f := range fields {
			out[f] = true
		}
	}
	return out
}

// Add appends fields to version's entry, preserving set semantics (no
// duplicates), per spec §4.E step 6 "consolidate".
func (r ReindexActive) Add(version int, fields []string) ReindexActive {
	if r == nil {
		r = make(ReindexActive)
	}
	existing := make(map[string]bool)
	for _, f := range r[version] {
		existing[f] = true
	}
	merged := append([]string{}, r[version]...)
	for _, f := range fields {
		if !existing[f] {
			merged = append(merged, f)
			existing[f] = true
		}
	}
	if len(merged) > 0 {
		r[version] = merged
	}
	return r
}

// Clear removes version's entry once its backfill has fully drained.
func (r ReindexActive) Clear(version int) ReindexActive {
	delete(r, version)
	return r
}

// BucketDescriptor is the persisted schema and metadata of a bucket
// (spec §3 "BucketDescriptor").
type BucketDescriptor struct {
	Name          string
	Index         map[string]FieldDescriptor
	Pre           []string
	Post          []string
	Options       Options
	ReindexActive ReindexActive
	Mtime         time.Time
}

// IndexFieldTypes flattens Index to the plain name->FieldType map the
// filter decorator and type-coercion layer consume.
func (d *BucketDescriptor) IndexFieldTypes() map[string]types.FieldType {
	out := make(map[string]types.FieldType, len(d.Index))
	for name, fd := range d.Index {
		out[name] = fd.Type
	}
	return out
}

// Clone returns a deep-enough copy safe to hand to a concurrent reader:
// the cache never mutates a descriptor in place, it replaces the cache
// entry wholesale (spec §3 "Ownership").
func (d *BucketDescriptor) Clone() *BucketDescriptor {
	c := *d
	c.Index = make(map[string]FieldDescriptor, len(d.Index))
	for k, v := range d.Index {
		c.Index[k] = v
	}
	c.Pre = append([]string{}, d.Pre...)
	c.Post = append([]string{}, d.Post...)
	c.ReindexActive = make(ReindexActive, len(d.ReindexActive))
	for k, v := range d.ReindexActive {
		c.ReindexActive[k] = append([]string{}, v...)
	}
	return &c
}
