// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package description

import (
	"fmt"

	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

// DefaultBucketCount is the table's chain count when none is given to
// NewTable. It is private, per-process memory: every restoring process
// parses the same regular-file-description stream independently and
// arrives at an identical table, so nothing about its layout needs to
// be shared across processes the way the descriptor registry does.
const DefaultBucketCount = 64

// Table is the chained hash table of file descriptions, keyed by
// (type, identifier) and bucketed by identifier mod bucket count.
type Table struct {
	buckets [][]*Description
	count   int
}

// NewTable returns an empty table with DefaultBucketCount chains.
func NewTable() *Table {
	return NewTableWithBuckets(DefaultBucketCount)
}

// NewTableWithBuckets returns an empty table with the given chain count.
func NewTableWithBuckets(n uint32) *Table {
	if n == 0 {
		n = DefaultBucketCount
	}
	return &Table{buckets: make([][]*Description, n)}
}

func (t *Table) bucket(id uint32) int {
	return int(id % uint32(len(t.buckets)))
}

// Add inserts a newly-parsed description. It is a malformed-image error
// for the same (type, id) to appear twice in the description stream.
func (t *Table) Add(d *Description) error {
	b := t.bucket(d.ID)
	for _, existing := range t.buckets[b] {
		if existing.Key == d.Key {
			return fderrors.MalformedImage(fmt.Sprintf("duplicate description %s/%#x", d.Type, d.ID), nil)
		}
	}
	t.buckets[b] = append(t.buckets[b], d)
	t.count++
	return nil
}

// Lookup finds a description by its (type, id) key. A descriptor record
// referencing an identifier with no matching description is a fatal,
// unrecoverable image error (spec.md section 7).
func (t *Table) Lookup(typ Type, id uint32) (*Description, error) {
	b := t.bucket(id)
	for _, d := range t.buckets[b] {
		if d.Type == typ && d.ID == id {
			return d, nil
		}
	}
	return nil, fderrors.UnknownDescription(uint32(typ), id)
}

// AddHolder records (pid, fd, entryIndex) against the description it
// names, keeping the holder list ordered ascending by pid.
func (t *Table) AddHolder(typ Type, id uint32, h Holder) error {
	d, err := t.Lookup(typ, id)
	if err != nil {
		return err
	}
	d.addHolder(h)
	return nil
}

// Len returns the number of distinct descriptions in the table.
func (t *Table) Len() int { return t.count }

// All returns every description in the table, in unspecified order.
func (t *Table) All() []*Description {
	out := make([]*Description, 0, t.count)
	for _, b := range t.buckets {
		out = append(out, b...)
	}
	return out
}
