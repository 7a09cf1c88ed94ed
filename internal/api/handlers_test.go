package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside-app/entitlements/internal/billing"
	"github.com/courtside-app/entitlements/internal/billing/billingtest"
	"github.com/courtside-app/entitlements/internal/cache"
	"github.com/courtside-app/entitlements/internal/catalog"
	"github.com/courtside-app/entitlements/internal/entitle"
	"github.com/courtside-app/entitlements/internal/ledger"
	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/internal/reconcile"
	"github.com/courtside-app/entitlements/pkg/plans"
)

func newTestServer(t *testing.T, fake *billingtest.Fake, gates cache.Cache) (*httptest.Server, *reconcile.Engine) {
	t.Helper()
	conn := billing.NewConnectionManager(fake, time.Second)
	fetcher := catalog.NewFetcher(conn, fake, plans.RequestedSKUs())
	scanner := ledger.NewScanner(conn, fake, 5*time.Second)
	synchronizer := entitle.NewSynchronizer(nil, func() string { return "user-1" })

	engine := reconcile.NewEngine(conn, fake, fetcher, scanner, synchronizer, gates, nil)
	engine.RefreshStatus(context.Background())

	server := httptest.NewServer(NewRouter(NewHandlers(engine, gates, time.Minute)))
	t.Cleanup(server.Close)
	return server, engine
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func activeLedger(sku string) []billing.RawPurchase {
	now := time.Now()
	return []billing.RawPurchase{{
		"productId":        sku,
		"purchaseToken":    "tok",
		"expiryTimeMillis": float64(now.Add(30 * 24 * time.Hour).UnixMilli()),
		"transactionDate":  float64(now.UnixMilli()),
	}}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, &billingtest.Fake{}, nil)

	var body map[string]string
	resp := getJSON(t, server.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestStatusEndpoint(t *testing.T) {
	fake := &billingtest.Fake{Purchases: activeLedger("courtside_trainer_club_v2")}
	server, _ := newTestServer(t, fake, nil)

	var body models.SubscriptionStatus
	resp := getJSON(t, server.URL+"/api/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.IsActive)
	assert.Equal(t, "courtside_trainer_club_v2", body.ProductID)
}

func TestGatesEndpointServesAndCaches(t *testing.T) {
	gates := cache.NewMemory()
	t.Cleanup(gates.Close)
	fake := &billingtest.Fake{Purchases: activeLedger("courtside_player_premium_v2")}
	server, _ := newTestServer(t, fake, gates)

	var body models.ResolvedAccess
	resp := getJSON(t, server.URL+"/api/gates", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.HasActiveSubscription)
	assert.Equal(t, "player_premium", body.Tier)
	assert.True(t, body.Features.Library)

	// The first request populated the cache; the second serves from it.
	cached, err := gates.Get(context.Background(), "resolved_access")
	require.NoError(t, err)
	assert.NotEmpty(t, cached)

	var again models.ResolvedAccess
	getJSON(t, server.URL+"/api/gates", &again)
	assert.Equal(t, body, again)
}

func TestPendingChangeEndpoint(t *testing.T) {
	fake := &billingtest.Fake{Purchases: activeLedger("courtside_trainer_club_v2")}
	server, engine := newTestServer(t, fake, nil)

	var body struct {
		Pending *models.PendingPlanChange `json:"pending"`
	}
	getJSON(t, server.URL+"/api/pending-change", &body)
	assert.Nil(t, body.Pending)

	require.NoError(t, engine.RequestPurchase(context.Background(), "courtside_trainer_starter_v2"))
	engine.RefreshStatus(context.Background())

	getJSON(t, server.URL+"/api/pending-change", &body)
	require.NotNil(t, body.Pending)
	assert.Equal(t, "courtside_trainer_starter_v2", body.Pending.DesiredProductID)
}

func TestPurchaseEndpointValidation(t *testing.T) {
	server, _ := newTestServer(t, &billingtest.Fake{}, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"productId":"courtside_player_premium_v2"}`, http.StatusAccepted},
		{"missing product", `{}`, http.StatusBadRequest},
		{"unknown product", `{"productId":"not_ours"}`, http.StatusBadRequest},
		{"malformed json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/api/purchase", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPurchaseEndpointPlatformUnavailable(t *testing.T) {
	server, _ := newTestServer(t, &billingtest.Fake{Absent: true}, nil)

	resp, err := http.Post(server.URL+"/api/purchase", "application/json",
		bytes.NewBufferString(`{"productId":"courtside_player_premium_v2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRestoreEndpoint(t *testing.T) {
	fake := &billingtest.Fake{Purchases: activeLedger("courtside_player_premium_v2")}
	server, _ := newTestServer(t, fake, nil)

	resp, err := http.Post(server.URL+"/api/restore", "application/json", nil)
	require.NoError(t, err)
	var body models.SubscriptionStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.IsActive)

	down, _ := newTestServer(t, &billingtest.Fake{Absent: true}, nil)
	resp, err = http.Post(down.URL+"/api/restore", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProductsAndDiagnosticsEndpoints(t *testing.T) {
	fake := &billingtest.Fake{
		Products: []billing.RawProduct{
			{"productId": "courtside_player_premium_v2", "title": "Player Premium"},
		},
	}
	server, engine := newTestServer(t, fake, nil)
	engine.RefreshProducts(context.Background())

	var products struct {
		Products []models.Product `json:"products"`
	}
	getJSON(t, server.URL+"/api/products", &products)
	require.Len(t, products.Products, 1)
	assert.Equal(t, "Player Premium", products.Products[0].Title)

	var diag models.Diagnostics
	getJSON(t, server.URL+"/api/diagnostics", &diag)
	assert.Contains(t, diag.MissingSKUs, "courtside_trainer_club_v2")
}
