// Package conflict finds and resolves violations of the 1:1 relation
// between local case ids and external case ids.
package conflict

import (
	"slices"

	"dsawrangler/internal/core/record"
)

// Relations holds both conflict directions. Values are ordered by first
// appearance in load order and every entry has at least two values.
type Relations struct {
	// Local maps a local case id to the external ids it is attached to.
	Local map[string][]string
	// External maps an external id to the local case ids carrying it.
	External map[string][]string

	localOrder    []string
	externalOrder []string
}

// Empty reports whether no conflicts were found.
func (r Relations) Empty() bool { return len(r.Local) == 0 && len(r.External) == 0 }

// LocalKeys returns conflicting local case ids in first-seen order.
func (r Relations) LocalKeys() []string { return slices.Clone(r.localOrder) }

// ExternalKeys returns conflicting external ids in first-seen order.
func (r Relations) ExternalKeys() []string { return slices.Clone(r.externalOrder) }

// orderedSet keeps insertion order.
type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func (o *orderedSet) add(v string) {
	if o.seen == nil {
		o.seen = make(map[string]struct{})
	}
	if _, ok := o.seen[v]; ok {
		return
	}
	o.seen[v] = struct{}{}
	o.items = append(o.items, v)
}

// Detect computes both conflict relations in one pass over records, which
// must be in load order for the first-seen tie-break to be stable.
func Detect(records []record.Record) Relations {
	firstExt := make(map[string]string)
	localSets := make(map[string]*orderedSet)
	var localOrder []string

	extSets := make(map[string]*orderedSet)
	var extOrder []string

	for _, r := range records {
		if r.LocalCaseID == "" || r.ExternalCaseID == "" {
			continue
		}

		first, ok := firstExt[r.LocalCaseID]
		switch {
		case !ok:
			firstExt[r.LocalCaseID] = r.ExternalCaseID
		case first != r.ExternalCaseID:
			set, exists := localSets[r.LocalCaseID]
			if !exists {
				set = &orderedSet{}
				set.add(first)
				localSets[r.LocalCaseID] = set
				localOrder = append(localOrder, r.LocalCaseID)
			}
			set.add(r.ExternalCaseID)
		}

		es, ok := extSets[r.ExternalCaseID]
		if !ok {
			es = &orderedSet{}
			extSets[r.ExternalCaseID] = es
			extOrder = append(extOrder, r.ExternalCaseID)
		}
		es.add(r.LocalCaseID)
	}

	rel := Relations{
		Local:      make(map[string][]string, len(localSets)),
		External:   make(map[string][]string),
		localOrder: localOrder,
	}
	for k, set := range localSets {
		rel.Local[k] = set.items
	}
	for _, k := range extOrder {
		if set := extSets[k]; len(set.items) > 1 {
			rel.External[k] = set.items
			rel.externalOrder = append(rel.externalOrder, k)
		}
	}
	return rel
}

// Detector recomputes relations from the live store on every call.
type Detector struct {
	Store *record.Store
}

// Compute returns the relations for the current store state.
func (d Detector) Compute() Relations {
	return Detect(d.Store.Records())
}
