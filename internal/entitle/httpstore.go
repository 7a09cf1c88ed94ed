package entitle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/courtside-app/entitlements/internal/models"
)

// HTTPStore talks to the backend entitlement service over authenticated
// HTTP. The service keys entitlement rows by user id, so a repeated PUT with
// identical content is a no-op on its side.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ RemoteStore = (*HTTPStore)(nil)

// NewHTTPStore builds a store client. timeout bounds each request.
func NewHTTPStore(baseURL, token string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// UpsertEntitlement writes the resolved purchase state for a user.
func (s *HTTPStore) UpsertEntitlement(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode entitlement record: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/entitlements/%s", s.baseURL, url.PathEscape(rec.UserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build entitlement upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Idempotency-Key", rec.IdempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("entitlement upsert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("entitlement upsert returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// FetchComplimentary reads the user's out-of-band grants.
func (s *HTTPStore) FetchComplimentary(ctx context.Context, userID string) ([]models.ComplimentaryEntitlement, error) {
	endpoint := fmt.Sprintf("%s/v1/entitlements/%s/complimentary", s.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build complimentary fetch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("complimentary fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("complimentary fetch returned %d: %s", resp.StatusCode, snippet)
	}

	var payload struct {
		Entitlements []models.ComplimentaryEntitlement `json:"entitlements"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode complimentary response: %w", err)
	}
	return payload.Entitlements, nil
}
