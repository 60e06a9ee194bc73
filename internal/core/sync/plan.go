package sync

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/dsa"
)

// PlanAction classifies one record against the metadata already on its item.
type PlanAction string

const (
	PlanCreate    PlanAction = "create"
	PlanUpdate    PlanAction = "update"
	PlanUnchanged PlanAction = "unchanged"
	PlanSkip      PlanAction = "skip"
)

// PlanItem is the preview of one push.
type PlanItem struct {
	RecordID string
	RemoteID string
	Action   PlanAction
	// Changed lists the bdsaLocal keys that would change, for updates.
	Changed []string
}

// Remote is the bdsaLocal block read from one item; Found is false when the
// item has none.
type Remote struct {
	Local dsa.BDSALocal
	Found bool
}

// ItemGetter reads a single item.
type ItemGetter interface {
	GetItem(ctx context.Context, id string) (dsa.Item, error)
}

// FetchRemote reads the current bdsaLocal of every record's item, at most
// limit at a time. Records without a remote id are not fetched.
func FetchRemote(ctx context.Context, g ItemGetter, recs []record.Record, limit int) (map[string]Remote, error) {
	ids := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if r.RemoteID == "" {
			continue
		}
		if _, ok := seen[r.RemoteID]; !ok {
			seen[r.RemoteID] = struct{}{}
			ids = append(ids, r.RemoteID)
		}
	}
	out := make([]Remote, len(ids))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(limit, 1))
	for i, id := range ids {
		eg.Go(func() error {
			it, err := g.GetItem(ctx, id)
			if err != nil {
				return err
			}
			local, found, err := it.BDSALocal()
			if err != nil {
				return err
			}
			out[i] = Remote{Local: local, Found: found}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	m := make(map[string]Remote, len(ids))
	for i, id := range ids {
		m[id] = out[i]
	}
	return m, nil
}

// BuildPlan compares what a sync would push for each record with remote,
// keyed by remote id. lastUpdated and source are ignored.
func BuildPlan(recs []record.Record, remote map[string]Remote) []PlanItem {
	out := make([]PlanItem, 0, len(recs))
	for _, r := range recs {
		it := PlanItem{RecordID: r.ID, RemoteID: r.RemoteID}
		rem, ok := remote[r.RemoteID]
		switch {
		case r.RemoteID == "" || !ok:
			it.Action = PlanSkip
		case !rem.Found:
			it.Action = PlanCreate
		default:
			it.Changed = diffLocal(LocalMetadata(FieldsOf(r)), rem.Local)
			it.Action = PlanUpdate
			if len(it.Changed) == 0 {
				it.Action = PlanUnchanged
			}
		}
		out = append(out, it)
	}
	return out
}

func diffLocal(want, have dsa.BDSALocal) []string {
	var keys []string
	check := func(key string, equal bool) {
		if !equal {
			keys = append(keys, key)
		}
	}
	check("bdsaCaseId", want.BDSACaseID == have.BDSACaseID)
	check("bdsaStainProtocol", slices.Equal(want.BDSAStainProtocol, have.BDSAStainProtocol))
	check("bdsaRegionProtocol", slices.Equal(want.BDSARegionProtocol, have.BDSARegionProtocol))
	check("localCaseId", want.LocalCaseID == have.LocalCaseID)
	check("localStainID", want.LocalStainID == have.LocalStainID)
	check("localRegionId", want.LocalRegionID == have.LocalRegionID)
	return keys
}

// CountPlan tallies items per action.
func CountPlan(items []PlanItem) map[PlanAction]int {
	c := make(map[PlanAction]int)
	for _, it := range items {
		c[it.Action]++
	}
	return c
}
