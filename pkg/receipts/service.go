package receipts

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/storage"
	"github.com/kantong-id/kantong/pkg/transactions"
	"github.com/kantong-id/kantong/pkg/usage"
)

const columns = `id, transaction_id, household_id, object_key, content_type, size_bytes, created_at`

// compensateTimeout bounds the cleanup of a failed upload, which runs even
// when the request is gone
const compensateTimeout = 10 * time.Second

// Service stores receipt metadata in PostgreSQL and bodies in an object store
type Service struct {
	db       *sql.DB
	store    storage.ObjectStore
	meter    usage.Meter
	limits   LimitSource
	maxBytes int64
	newKey   func(householdID int64, ext string) string
}

// NewService creates a new Service. maxBytes caps a single upload.
func NewService(db *sql.DB, store storage.ObjectStore, meter usage.Meter, limits LimitSource, maxBytes int64) *Service {
	return &Service{
		db:       db,
		store:    store,
		meter:    meter,
		limits:   limits,
		maxBytes: maxBytes,
		newKey:   objectKey,
	}
}

func objectKey(householdID int64, ext string) string {
	return fmt.Sprintf("households/%d/receipts/%s%s", householdID, uuid.NewString(), ext)
}

// MaxBytes returns the upload cap
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Upload stores body as a receipt of transactionID. contentType may be empty
// or wrong; the body is sniffed when the declared type is not accepted.
func (s *Service) Upload(ctx context.Context, household *households.Household, transactionID int64, contentType string, body []byte) (*Receipt, error) {
	size := int64(len(body))
	if size == 0 {
		return nil, ErrEmptyReceipt
	}
	if size > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, maximum is %d", ErrReceiptTooLarge, size, s.maxBytes)
	}
	contentType, ext, err := resolveType(contentType, body)
	if err != nil {
		return nil, err
	}

	limit, err := s.limits.FeatureLimit(ctx, household, FeatureName)
	if err != nil {
		return nil, err
	}

	units := Units(size)
	r := &Receipt{
		TransactionID: transactionID,
		HouseholdID:   household.ID,
		ObjectKey:     s.newKey(household.ID, ext),
		ContentType:   contentType,
		SizeBytes:     size,
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM transactions WHERE id = $1 AND household_id = $2 FOR SHARE
		`, transactionID, household.ID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return transactions.ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}

		if _, err := s.meter.ConsumeTx(ctx, tx, household.ID, FeatureName, units, limit); err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO receipts (transaction_id, household_id, object_key, content_type, size_bytes)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`, r.TransactionID, r.HouseholdID, r.ObjectKey, r.ContentType, r.SizeBytes).Scan(&r.ID, &r.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.meter.Invalidate(ctx, household.ID, FeatureName)

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"household_id": household.ID,
		"receipt_id":   r.ID,
		"units":        units,
	})

	if _, err := s.store.PutObject(ctx, r.ObjectKey, bytes.NewReader(body), contentType); err != nil {
		if cerr := s.compensate(ctx, r, units); cerr != nil {
			logger.WithError(cerr).Error("failed to release storage after upload failure")
		}
		return nil, fmt.Errorf("failed to store receipt: %w", err)
	}

	logger.Info("receipt uploaded")
	return r, nil
}

// compensate undoes the receipt row and the consumed units of a failed
// upload. It outlives a canceled request.
func (s *Service) compensate(ctx context.Context, r *Receipt, units int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE id = $1`, r.ID); err != nil {
			return fmt.Errorf("failed to delete receipt: %w", err)
		}
		return s.meter.ReleaseTx(ctx, tx, r.HouseholdID, FeatureName, units, r.CreatedAt)
	})
	s.meter.Invalidate(ctx, r.HouseholdID, FeatureName)
	return err
}

// List returns the receipts attached to a transaction, oldest first
func (s *Service) List(ctx context.Context, householdID, transactionID int64) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM receipts
		WHERE household_id = $1 AND transaction_id = $2
		ORDER BY created_at, id
	`, householdID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	list := []*Receipt{}
	for rows.Next() {
		r := &Receipt{}
		if err := scan(rows, r); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	return list, nil
}

// Open returns a receipt and its body. The caller closes the reader.
func (s *Service) Open(ctx context.Context, householdID, receiptID int64) (*Receipt, io.ReadCloser, error) {
	r, err := s.get(ctx, s.db, householdID, receiptID, false)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.store.GetObject(ctx, r.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return r, body, nil
}

// Delete removes a receipt and gives its storage units back to the month
// they were consumed in
func (s *Service) Delete(ctx context.Context, householdID, receiptID int64) error {
	var r *Receipt
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		r, err = s.get(ctx, tx, householdID, receiptID, true)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE id = $1`, r.ID); err != nil {
			return fmt.Errorf("failed to delete receipt: %w", err)
		}
		return s.meter.ReleaseTx(ctx, tx, householdID, FeatureName, Units(r.SizeBytes), r.CreatedAt)
	})
	if err != nil {
		return err
	}
	s.meter.Invalidate(ctx, householdID, FeatureName)

	if err := s.store.DeleteObject(ctx, r.ObjectKey); err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("object_key", r.ObjectKey).
			Warn("failed to delete receipt object")
	}
	return nil
}

func (s *Service) get(ctx context.Context, q database.DBTX, householdID, receiptID int64, forUpdate bool) (*Receipt, error) {
	query := `SELECT ` + columns + ` FROM receipts WHERE id = $1 AND household_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r := &Receipt{}
	err := scan(q.QueryRowContext(ctx, query, receiptID, householdID), r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scan(row rowScanner, r *Receipt) error {
	return row.Scan(&r.ID, &r.TransactionID, &r.HouseholdID, &r.ObjectKey, &r.ContentType, &r.SizeBytes, &r.CreatedAt)
}

// resolveType prefers the declared media type and falls back to sniffing
func resolveType(declared string, body []byte) (string, string, error) {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		mediaType = strings.ToLower(mediaType)
		if ext, ok := allowedTypes[mediaType]; ok {
			return mediaType, ext, nil
		}
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(body))
	if ext, ok := allowedTypes[sniffed]; ok {
		return sniffed, ext, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, sniffed)
}
