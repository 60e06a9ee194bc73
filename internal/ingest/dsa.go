package ingest

import (
	"context"
	"time"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/infra/logx"
)

// ItemLister is the part of dsa.Client used to list a folder or collection.
type ItemLister interface {
	ListItems(ctx context.Context, opt dsa.ListItemsOpts) ([]dsa.Item, error)
}

// LoadDSA lists every item under the resource and converts it.
func LoadDSA(ctx context.Context, l ItemLister, opt dsa.ListItemsOpts) ([]record.Record, error) {
	items, err := l.ListItems(ctx, opt)
	if err != nil {
		return nil, err
	}
	return FromItems(items), nil
}

// FromItems converts DSA items to records keyed by item id. Existing
// bdsaLocal metadata populates the identifier and protocol fields; unreadable
// metadata is logged and ignored.
func FromItems(items []dsa.Item) []record.Record {
	out := make([]record.Record, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.ID == "" || seen[it.ID] {
			logx.Warn("skipping dsa item", logx.F{"item": it.ID, "name": it.Name, "reason": "empty or duplicate id"})
			continue
		}
		seen[it.ID] = true
		rec := record.Record{ID: it.ID, RemoteID: it.ID, Name: it.Name}
		local, ok, err := it.BDSALocal()
		if err != nil {
			logx.Warn("ignoring unreadable bdsaLocal", logx.F{"item": it.ID, "error": err})
		}
		if ok {
			rec.LocalCaseID = local.LocalCaseID
			rec.LocalStainID = local.LocalStainID
			rec.LocalRegionID = local.LocalRegionID
			rec.ExternalCaseID = local.BDSACaseID
			rec.StainProtocols = record.NormalizeProtocols(local.BDSAStainProtocol)
			rec.RegionProtocols = record.NormalizeProtocols(local.BDSARegionProtocol)
			if ts, err := time.Parse(time.RFC3339, local.LastUpdated); err == nil {
				rec.LastModifiedAt = ts
			}
			if rec.ExternalCaseID != "" && rec.LocalCaseID == "" {
				logx.Warn("dropping external case id without local case id", logx.F{"item": it.ID, "external": rec.ExternalCaseID})
				rec.ExternalCaseID = ""
			}
		}
		out = append(out, rec)
	}
	return out
}
