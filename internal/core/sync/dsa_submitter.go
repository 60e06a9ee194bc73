package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dsawrangler/internal/dsa"
)

// DSASubmitter writes records into meta.BDSA.bdsaLocal of DSA items.
type DSASubmitter struct {
	// HTTP is shared by every request. It must not retry on its own; use
	// NewDSASubmitter to build one from transport options.
	HTTP *http.Client
	// Reset pushes an empty bdsaLocal instead of the record fields.
	Reset bool
}

// NewDSASubmitter builds a submitter whose transport keeps rate limiting and
// metrics but makes exactly one request per call. Retries belong to the
// engine's RetryPolicy, which also checks for cancellation between attempts.
func NewDSASubmitter(topts dsa.TransportOptions, timeout time.Duration, reset bool) DSASubmitter {
	topts.RetryMax = 0
	return DSASubmitter{HTTP: dsa.NewHTTPClient(topts, timeout), Reset: reset}
}

func (s DSASubmitter) SubmitRecordUpdate(ctx context.Context, cred Credential, remoteID string, f Fields) error {
	c := dsa.New(cred.BaseURL, cred.Token, dsa.WithHTTPClient(s.HTTP))
	meta := dsa.ResetMetadata()
	if !s.Reset {
		meta = dsa.NewMetadata(LocalMetadata(f))
	}
	err := c.UpdateItemMetadata(ctx, remoteID, meta)
	var se *dsa.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// LocalMetadata maps pushed fields onto the server representation.
func LocalMetadata(f Fields) dsa.BDSALocal {
	local := dsa.BDSALocal{
		BDSACaseID:         f.ExternalCaseID,
		BDSAStainProtocol:  dsa.ProtocolList(f.StainProtocols),
		BDSARegionProtocol: dsa.ProtocolList(f.RegionProtocols),
		LocalCaseID:        f.LocalCaseID,
		LocalStainID:       f.LocalStainID,
		LocalRegionID:      f.LocalRegionID,
		Source:             f.Source,
	}
	if !f.LastModifiedAt.IsZero() {
		local.LastUpdated = f.LastModifiedAt.UTC().Format(time.RFC3339)
	}
	if local.Source == "" {
		local.Source = dsa.SourceTag
	}
	return local
}
