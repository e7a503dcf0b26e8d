// Package receipts attaches uploaded receipt files to household transactions.
//
// Uploads are metered by the "storage" feature in whole mebibytes. The units
// are consumed together with the receipt row before the object is written;
// when the write fails the row is removed and the units are released with a
// negative usage entry.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/kantong-id/kantong/pkg/households"
)

// FeatureName is the metered feature receipts consume
const FeatureName = "storage"

// BytesPerUnit is the size of one storage unit
const BytesPerUnit int64 = 1 << 20

var (
	// ErrEmptyReceipt is returned for a zero-length upload
	ErrEmptyReceipt = errors.New("receipt is empty")
	// ErrReceiptTooLarge is returned when the upload exceeds the configured maximum
	ErrReceiptTooLarge = errors.New("receipt is too large")
	// ErrUnsupportedType is returned for files that are not images or PDFs
	ErrUnsupportedType = errors.New("unsupported receipt type")
	// ErrReceiptNotFound is returned when no receipt of the household matches the id
	ErrReceiptNotFound = errors.New("receipt not found")
)

// allowedTypes maps accepted content types to the object key extension
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Receipt is the stored metadata of an uploaded file
type Receipt struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transaction_id"`
	HouseholdID   int64     `json:"household_id"`
	ObjectKey     string    `json:"-"`
	ContentType   string    `json:"content_type"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Units returns the storage units a file of size bytes consumes, rounded up
// and never less than one
func Units(size int64) int64 {
	if size <= 0 {
		return 1
	}
	return (size + BytesPerUnit - 1) / BytesPerUnit
}

// LimitSource resolves the current plan limit of a metered feature
type LimitSource interface {
	FeatureLimit(ctx context.Context, household *households.Household, feature string) (int64, error)
}
