package record

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPrefix is the prefix of standardized case identifiers.
const DefaultPrefix = "BDSA"

// ExternalID is the structured form of an external case identifier
// PREFIX-III-NNNN. Institution is kept zero-padded to three digits.
type ExternalID struct {
	Prefix      string
	Institution string
	Sequence    int
}

// String formats the id for storage and transmission.
func (e ExternalID) String() string {
	return FormatExternalID(e)
}

// SameSeries reports whether two ids share prefix and institution.
func (e ExternalID) SameSeries(o ExternalID) bool {
	return e.Prefix == o.Prefix && e.Institution == o.Institution
}

// FormatExternalID renders e as PREFIX-III-NNNN.
func FormatExternalID(e ExternalID) string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, e.Institution, e.Sequence)
}

// ParseExternalID is the inverse of FormatExternalID. The prefix may itself
// contain dashes; the last two segments are institution and sequence.
func ParseExternalID(s string) (ExternalID, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 3 {
		return ExternalID{}, fmt.Errorf("external id %q: want PREFIX-INSTITUTION-SEQUENCE", s)
	}
	n := len(parts)
	prefix := strings.Join(parts[:n-2], "-")
	if prefix == "" {
		return ExternalID{}, fmt.Errorf("external id %q: empty prefix", s)
	}
	inst, err := NormalizeInstitution(parts[n-2])
	if err != nil {
		return ExternalID{}, fmt.Errorf("external id %q: %w", s, err)
	}
	if !isDigits(parts[n-1]) {
		return ExternalID{}, fmt.Errorf("external id %q: sequence %q is not numeric", s, parts[n-1])
	}
	seq, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return ExternalID{}, fmt.Errorf("external id %q: %w", s, err)
	}
	return ExternalID{Prefix: prefix, Institution: inst, Sequence: seq}, nil
}

// NormalizeInstitution turns "7" or "007" into "007".
func NormalizeInstitution(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("institution id is empty")
	}
	if !isDigits(s) {
		return "", fmt.Errorf("institution id %q is not numeric", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", fmt.Errorf("institution id %q: %w", s, err)
	}
	return fmt.Sprintf("%03d", n), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
