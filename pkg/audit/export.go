package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airyland/ArConnect/pkg/contracts"
)

// ErrInvalidTimeRange is returned when the start of an export window is
// after its end.
var ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")

// ExportRequest selects the receipts to export. Zero values widen the
// selection.
type ExportRequest struct {
	Origin    contracts.Origin `json:"url,omitempty"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
}

type manifest struct {
	Origin       contracts.Origin `json:"url,omitempty"`
	GeneratedAt  time.Time        `json:"generated_at"`
	ReceiptCount int              `json:"receipt_count"`
	Unverified   []string         `json:"unverified,omitempty"`
	Start        time.Time        `json:"start"`
	End          time.Time        `json:"end"`
}

// Export builds a zip evidence pack of the selected receipts plus a manifest
// and returns it with the SHA-256 of the archive. Receipts whose content
// hash no longer matches are listed in the manifest.
func (l *Log) Export(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	all, err := l.List(ctx, req.Origin)
	if err != nil {
		return nil, "", err
	}

	var selected []Receipt
	var unverified []string
	for _, r := range all {
		if !req.StartTime.IsZero() && r.DecidedAt.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && r.DecidedAt.After(req.EndTime) {
			continue
		}
		if !Verify(r) {
			unverified = append(unverified, r.ID)
		}
		selected = append(selected, r)
	}

	receiptsJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal receipts: %w", err)
	}
	now := l.clock().UTC()
	manifestJSON, err := json.MarshalIndent(manifest{
		Origin:       req.Origin,
		GeneratedAt:  now,
		ReceiptCount: len(selected),
		Unverified:   unverified,
		Start:        req.StartTime,
		End:          req.EndTime,
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"receipts.json", receiptsJSON},
		{"manifest.json", manifestJSON},
	} {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
