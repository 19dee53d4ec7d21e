/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	log "github.com/sirupsen/logrus"

	ptp "github.com/opensync/ptpd/ptp/protocol"
)

// ForeignMasterThreshold is the number of repeat Announces a master must
// send before it qualifies for best master selection
const ForeignMasterThreshold = 2

// ForeignMasterRecord is one recently heard master
type ForeignMasterRecord struct {
	PortIdentity  ptp.PortIdentity
	AnnounceCount int
	LastAnnounce  ptp.Announce
}

// Qualified reports whether the master heard often enough to qualify
func (r *ForeignMasterRecord) Qualified() bool {
	return r.AnnounceCount >= ForeignMasterThreshold
}

// Disqualify poisons the record so BMCA stops electing it, without
// removing it: a revived master re-qualifies with its next Announce
func (r *ForeignMasterRecord) Disqualify() {
	r.LastAnnounce.GrandmasterPriority1 = 255
	r.LastAnnounce.GrandmasterPriority2 = 255
	r.LastAnnounce.GrandmasterClockQuality.ClockClass = 255
}

// ForeignMasterTable is the bounded table of recently heard masters,
// keyed by source port identity. Inserting a new master into a full
// table overwrites slots in round-robin order.
type ForeignMasterTable struct {
	records  []ForeignMasterRecord
	capacity int
	rr       int
}

// NewForeignMasterTable creates a table holding up to capacity masters
func NewForeignMasterTable(capacity int) *ForeignMasterTable {
	if capacity < 1 {
		capacity = 1
	}
	return &ForeignMasterTable{capacity: capacity}
}

// Update records an Announce: a repeat from a known master increments its
// count and refreshes the cached message, a new master takes a slot with
// count zero
func (t *ForeignMasterTable) Update(ann *ptp.Announce) *ForeignMasterRecord {
	for i := range t.records {
		if t.records[i].PortIdentity == ann.SourcePortIdentity {
			t.records[i].AnnounceCount++
			t.records[i].LastAnnounce = *ann
			return &t.records[i]
		}
	}
	rec := ForeignMasterRecord{
		PortIdentity: ann.SourcePortIdentity,
		LastAnnounce: *ann,
	}
	if len(t.records) < t.capacity {
		t.records = append(t.records, rec)
		return &t.records[len(t.records)-1]
	}
	// table full: overwrite round-robin
	log.Debugf("foreign master table full, overwriting slot %d with %s", t.rr, ann.SourcePortIdentity)
	t.records[t.rr] = rec
	i := t.rr
	t.rr = (t.rr + 1) % t.capacity
	return &t.records[i]
}

// Get returns the record for a port identity, nil when absent
func (t *ForeignMasterTable) Get(pi ptp.PortIdentity) *ForeignMasterRecord {
	for i := range t.records {
		if t.records[i].PortIdentity == pi {
			return &t.records[i]
		}
	}
	return nil
}

// Records returns all current records
func (t *ForeignMasterTable) Records() []ForeignMasterRecord {
	return t.records
}

// Len returns the number of masters in the table
func (t *ForeignMasterTable) Len() int {
	return len(t.records)
}

// Clear empties the table
func (t *ForeignMasterTable) Clear() {
	t.records = t.records[:0]
	t.rr = 0
}
