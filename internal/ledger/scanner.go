// Package ledger scans the billing platform's purchase ledger and reduces it
// to the single authoritative subscription status via deterministic winner
// selection.
package ledger

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/internal/billing"
	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/pkg/plans"
)

// Candidate payload fields for purchase normalization.
var (
	purchaseIDFields = []string{"productId", "productID", "sku", "id"}
	receiptFields    = []string{"purchaseToken", "transactionReceipt", "receipt"}
	expiryMsFields   = []string{"expiryTimeMillis", "expiresDateMs", "expiryAtMs"}
	txnMsFields      = []string{"transactionDate", "purchaseTime", "transactionAtMs"}
)

// Result is the outcome of one ledger scan. Unavailable means the ledger
// could not be read at all (platform slow or erroring); the caller must keep
// the previous status rather than downgrade the user.
type Result struct {
	Status      models.SubscriptionStatus
	Winner      *models.PurchaseRecord
	Records     []models.PurchaseRecord
	Unavailable bool
	Reason      string
}

// Scanner reads and normalizes the purchase ledger. It is stateless; the
// reconciliation engine owns the committed snapshots.
type Scanner struct {
	conn    *billing.ConnectionManager
	reader  billing.LedgerReader
	timeout time.Duration
	now     func() time.Time
}

// NewScanner builds a scanner. reader may be nil when the platform lacks a
// ledger-read capability; every scan then yields an inactive status.
func NewScanner(conn *billing.ConnectionManager, reader billing.LedgerReader, timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Scanner{
		conn:    conn,
		reader:  reader,
		timeout: timeout,
		now:     time.Now,
	}
}

// Scan reads the ledger and computes the winning purchase. It is idempotent
// and safe to call repeatedly and concurrently.
func (s *Scanner) Scan(ctx context.Context) Result {
	if !s.conn.EnsureReady(ctx) || s.reader == nil {
		// No platform or no ledger capability means an inactive status,
		// not an error.
		reason := "billing platform not ready"
		if s.reader == nil {
			reason = "platform lacks ledger-read capability"
		}
		log.Debug().Str("reason", reason).Msg("Ledger scan degraded to inactive status")
		return Result{Status: models.SubscriptionStatus{IsActive: false}, Reason: reason}
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.reader.AvailablePurchases(scanCtx, true)
	if err != nil {
		log.Warn().Err(err).Msg("Filtered ledger query failed; retrying without active-only filter")
		// The filtered attempt may have consumed the whole budget, so the
		// retry gets a deadline of its own.
		retryCtx, retryCancel := context.WithTimeout(ctx, s.timeout)
		raw, err = s.reader.AvailablePurchases(retryCtx, false)
		retryCancel()
	}
	if err != nil {
		// A slow or failing platform is "unavailable", never "inactive":
		// downgrading a paying user because the store hiccuped is worse
		// than serving a stale status.
		log.Error().Err(err).Msg("Ledger scan failed; keeping previous subscription status")
		return Result{Unavailable: true, Reason: err.Error()}
	}

	now := s.now()
	records := make([]models.PurchaseRecord, 0, len(raw))
	unknown := 0
	for _, entry := range raw {
		record, ok := Normalize(entry, now)
		if !ok {
			unknown++
			continue
		}
		records = append(records, record)
	}
	if unknown > 0 {
		log.Debug().Int("dropped", unknown).Msg("Dropped ledger entries outside the known SKU set")
	}

	winner := SelectWinner(records)
	if winner == nil {
		return Result{Status: models.SubscriptionStatus{IsActive: false}, Records: records}
	}

	expiry := winner.ExpiryAt
	status := models.SubscriptionStatus{
		IsActive:  expiry.After(now),
		ProductID: winner.ProductID,
		ExpiresAt: &expiry,
		IsInTrial: winner.IsTrialPeriod,
	}
	if winner.ReceiptToken == "" {
		log.Warn().Str("productId", winner.ProductID).Msg("Winning purchase carries no receipt token; skipping remote upsert")
	}
	return Result{Status: status, Winner: winner, Records: records}
}

// Normalize converts a raw platform payload into a PurchaseRecord. Entries
// whose product id is missing or outside the known SKU set are rejected.
func Normalize(raw billing.RawPurchase, now time.Time) (models.PurchaseRecord, bool) {
	id := firstString(raw, purchaseIDFields)
	if id == "" || !plans.Known(id) {
		return models.PurchaseRecord{}, false
	}

	txn := firstTime(raw, txnMsFields)
	if txn.IsZero() {
		txn = now
	}

	record := models.PurchaseRecord{
		ProductID:     id,
		TransactionAt: txn,
		ReceiptToken:  firstString(raw, receiptFields),
		IsTrialPeriod: boolField(raw, "isTrialPeriod", "is_trial_period"),
		Raw:           raw,
	}

	if expiry := firstTime(raw, expiryMsFields); !expiry.IsZero() {
		record.ExpiryAt = expiry
	} else {
		// The platform did not supply an expiry; estimate one from the
		// transaction time plus the plan period.
		record.ExpiryAt = txn.Add(plans.PeriodFor(id))
		record.EstimatedExpiry = true
	}
	return record, true
}

// SelectWinner picks the current purchase: latest expiry, ties broken by the
// latest transaction time, then product id. The order is total, so any
// permutation of the input yields the same winner.
func SelectWinner(records []models.PurchaseRecord) *models.PurchaseRecord {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]models.PurchaseRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.ExpiryAt.Equal(b.ExpiryAt) {
			return a.ExpiryAt.After(b.ExpiryAt)
		}
		if !a.TransactionAt.Equal(b.TransactionAt) {
			return a.TransactionAt.After(b.TransactionAt)
		}
		return a.ProductID > b.ProductID
	})
	winner := sorted[0]
	return &winner
}

func firstString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// firstTime extracts a millisecond timestamp that may arrive as a JSON
// number or a stringified integer.
func firstTime(raw map[string]any, keys []string) time.Time {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case float64:
			if v > 0 {
				return time.UnixMilli(int64(v))
			}
		case int64:
			if v > 0 {
				return time.UnixMilli(v)
			}
		case string:
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
				return time.UnixMilli(ms)
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func boolField(raw map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case bool:
			return v
		case string:
			if v == "true" {
				return true
			}
		}
	}
	return false
}
