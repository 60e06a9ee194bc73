package conflict

import (
	"strings"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/infra/logx"
)

// ResolveLocal rewrites every record with localCaseID to chosenExternalID.
// It returns the number of records changed.
func ResolveLocal(s *record.Store, localCaseID, chosenExternalID string) (int, error) {
	localCaseID = strings.TrimSpace(localCaseID)
	chosenExternalID = strings.TrimSpace(chosenExternalID)
	if localCaseID == "" {
		return 0, record.Precondition("resolve local conflict", "local case id is empty")
	}
	if chosenExternalID == "" {
		return 0, record.Precondition("resolve local conflict", "chosen external id is empty")
	}
	n, err := rewrite(s, func(r record.Record) (string, bool) {
		return chosenExternalID, r.LocalCaseID == localCaseID
	})
	if err == nil {
		logx.Info("local conflict resolved", logx.F{"local": localCaseID, "external": chosenExternalID, "changed": n})
	}
	return n, err
}

// ResolveExternal removes externalID from every record whose local case id
// differs from chosenLocalCaseID.
func ResolveExternal(s *record.Store, externalID, chosenLocalCaseID string) (int, error) {
	externalID = strings.TrimSpace(externalID)
	chosenLocalCaseID = strings.TrimSpace(chosenLocalCaseID)
	if externalID == "" {
		return 0, record.Precondition("resolve external conflict", "external id is empty")
	}
	if chosenLocalCaseID == "" {
		return 0, record.Precondition("resolve external conflict", "chosen local case id is empty")
	}
	n, err := rewrite(s, func(r record.Record) (string, bool) {
		return "", r.ExternalCaseID == externalID && r.LocalCaseID != chosenLocalCaseID
	})
	if err == nil {
		logx.Info("external conflict resolved", logx.F{"external": externalID, "local": chosenLocalCaseID, "changed": n})
	}
	return n, err
}

// ClearLocal blanks the external id of every record with localCaseID.
func ClearLocal(s *record.Store, localCaseID string) (int, error) {
	localCaseID = strings.TrimSpace(localCaseID)
	if localCaseID == "" {
		return 0, record.Precondition("clear local conflict", "local case id is empty")
	}
	return rewrite(s, func(r record.Record) (string, bool) {
		return "", r.LocalCaseID == localCaseID
	})
}

// ClearExternal blanks externalID on every record carrying it.
func ClearExternal(s *record.Store, externalID string) (int, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, record.Precondition("clear external conflict", "external id is empty")
	}
	return rewrite(s, func(r record.Record) (string, bool) {
		return "", r.ExternalCaseID == externalID
	})
}

// rewrite applies pick to every record inside one store transaction.
func rewrite(s *record.Store, pick func(record.Record) (string, bool)) (int, error) {
	changed := 0
	err := s.Mutate(func(tx *record.Tx) error {
		for _, r := range tx.Records() {
			val, ok := pick(r)
			if !ok {
				continue
			}
			did, err := tx.SetExternalCaseID(r.ID, val)
			if err != nil {
				return err
			}
			if did {
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}
