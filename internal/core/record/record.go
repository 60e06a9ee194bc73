package record

import (
	"strings"
	"time"
)

// ProtocolKind selects which protocol sequence of a record is addressed.
type ProtocolKind string

const (
	Stain  ProtocolKind = "stain"
	Region ProtocolKind = "region"
)

// Valid reports whether k names a known protocol sequence.
func (k ProtocolKind) Valid() bool { return k == Stain || k == Region }

// Record is one slide or tabular row tracked by the Store.
type Record struct {
	ID       string `json:"id"`
	RemoteID string `json:"remoteId,omitempty"` // DSA item id; empty for rows that never came from the server
	Name     string `json:"name,omitempty"`

	LocalCaseID   string `json:"localCaseId,omitempty"`
	LocalStainID  string `json:"localStainId,omitempty"`
	LocalRegionID string `json:"localRegionId,omitempty"`

	ExternalCaseID string `json:"externalCaseId,omitempty"`

	StainProtocols  []string `json:"stainProtocols,omitempty"`
	RegionProtocols []string `json:"regionProtocols,omitempty"`

	LastModifiedAt time.Time `json:"lastModifiedAt,omitempty"`
	// Version increments on every mutation made through the Store.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	c := r
	c.StainProtocols = append([]string(nil), r.StainProtocols...)
	c.RegionProtocols = append([]string(nil), r.RegionProtocols...)
	return c
}

// Protocols returns the sequence for kind.
func (r Record) Protocols(kind ProtocolKind) []string {
	if kind == Region {
		return r.RegionProtocols
	}
	return r.StainProtocols
}

// LocalTypeID returns the local stain or region identifier for kind.
func (r Record) LocalTypeID(kind ProtocolKind) string {
	if kind == Region {
		return r.LocalRegionID
	}
	return r.LocalStainID
}

func (r *Record) setProtocols(kind ProtocolKind, list []string) {
	if kind == Region {
		r.RegionProtocols = list
		return
	}
	r.StainProtocols = list
}

// NormalizeProtocols trims names and drops blanks. Order and repeated
// entries are kept so a loaded sequence is pushed back unchanged.
func NormalizeProtocols(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CaseMapping derives localCaseId -> externalCaseId from records, keeping the
// first-seen external id per local id. It is a view, never a source of truth.
func CaseMapping(records []Record) map[string]string {
	m := make(map[string]string)
	for _, r := range records {
		if r.LocalCaseID == "" || r.ExternalCaseID == "" {
			continue
		}
		if _, ok := m[r.LocalCaseID]; !ok {
			m[r.LocalCaseID] = r.ExternalCaseID
		}
	}
	return m
}
