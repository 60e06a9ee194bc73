package dsa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SourceTag identifies metadata written by this tool.
const SourceTag = "BDSA-Schema-Wrangler"

// Item is a Girder item as returned by the resource and item endpoints.
type Item struct {
	ID       string                     `json:"_id"`
	Name     string                     `json:"name"`
	FolderID string                     `json:"folderId,omitempty"`
	Size     int64                      `json:"size,omitempty"`
	Meta     map[string]json.RawMessage `json:"meta,omitempty"`
}

// ProtocolList decodes either a single string or an array of strings and
// always encodes as an array.
type ProtocolList []string

func (p *ProtocolList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s == "" {
			*p = nil
			return nil
		}
		*p = ProtocolList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("protocol list: %w", err)
	}
	*p = list
	return nil
}

func (p ProtocolList) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(p))
}

// BDSALocal is the meta.BDSA.bdsaLocal object the wrangler owns on an item.
type BDSALocal struct {
	BDSACaseID         string       `json:"bdsaCaseId"`
	BDSAStainProtocol  ProtocolList `json:"bdsaStainProtocol"`
	BDSARegionProtocol ProtocolList `json:"bdsaRegionProtocol"`
	LastUpdated        string       `json:"lastUpdated"`
	LocalCaseID        string       `json:"localCaseId"`
	LocalStainID       string       `json:"localStainID"`
	LocalRegionID      string       `json:"localRegionId"`
	Source             string       `json:"source"`
}

// Metadata is the body of PUT item/{id}/metadata.
type Metadata struct {
	BDSA bdsaEnvelope `json:"BDSA"`
}

type bdsaEnvelope struct {
	Local any `json:"bdsaLocal"`
}

// NewMetadata wraps local for upload.
func NewMetadata(local BDSALocal) Metadata {
	return Metadata{BDSA: bdsaEnvelope{Local: local}}
}

// ResetMetadata produces {"BDSA":{"bdsaLocal":{}}}.
func ResetMetadata() Metadata {
	return Metadata{BDSA: bdsaEnvelope{Local: map[string]any{}}}
}

// BDSALocal extracts meta.BDSA.bdsaLocal, falling back to a top-level
// meta.bdsaLocal written by older tooling. ok is false when neither exists.
func (it Item) BDSALocal() (BDSALocal, bool, error) {
	var out BDSALocal
	if raw, ok := it.Meta["BDSA"]; ok && len(raw) > 0 {
		var env struct {
			Local json.RawMessage `json:"bdsaLocal"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return out, false, fmt.Errorf("item %s: decode meta.BDSA: %w", it.ID, err)
		}
		if len(env.Local) > 0 && !bytes.Equal(env.Local, []byte("null")) {
			if err := json.Unmarshal(env.Local, &out); err != nil {
				return out, false, fmt.Errorf("item %s: decode bdsaLocal: %w", it.ID, err)
			}
			return out, true, nil
		}
	}
	if raw, ok := it.Meta["bdsaLocal"]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, false, fmt.Errorf("item %s: decode meta.bdsaLocal: %w", it.ID, err)
		}
		return out, true, nil
	}
	return out, false, nil
}
