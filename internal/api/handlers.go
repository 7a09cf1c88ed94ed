package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/internal/cache"
	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/internal/reconcile"
	"github.com/courtside-app/entitlements/pkg/plans"
)

const gatesCacheKey = "resolved_access"

// Handlers serves engine snapshots and the explicit user entry points.
type Handlers struct {
	engine   *reconcile.Engine
	gates    cache.Cache
	cacheTTL time.Duration
}

// NewHandlers wires the handler set. gates may be nil to disable caching.
func NewHandlers(engine *reconcile.Engine, gates cache.Cache, cacheTTL time.Duration) *Handlers {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Handlers{engine: engine, gates: gates, cacheTTL: cacheTTL}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns the last committed subscription status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		models.SubscriptionStatus
		UnavailableReason string `json:"unavailableReason,omitempty"`
	}{
		SubscriptionStatus: h.engine.Status(),
		UnavailableReason:  h.engine.UnavailableReason(),
	})
}

// Gates returns the resolved feature-access matrix, served from the gate
// cache when possible.
func (h *Handlers) Gates(w http.ResponseWriter, r *http.Request) {
	if h.gates != nil {
		if cached, err := h.gates.Get(r.Context(), gatesCacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	access := h.engine.Access()
	body, err := json.Marshal(access)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode gates")
		return
	}
	if h.gates != nil {
		if err := h.gates.Set(r.Context(), gatesCacheKey, body, h.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Gate cache write failed")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// PendingChange returns the deferred downgrade, if any.
func (h *Handlers) PendingChange(w http.ResponseWriter, r *http.Request) {
	pending := h.engine.PendingChange()
	if pending == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pending": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// Products returns the latest catalog snapshot.
func (h *Handlers) Products(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": h.engine.Products()})
}

// Diagnostics returns the catalog fetch diagnostics for support surfaces.
func (h *Handlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Diagnostics())
}

type purchaseRequest struct {
	ProductID string `json:"productId"`
}

// Purchase starts a purchase flow. This is an explicit user action, so
// unlike background reconciliation it surfaces errors.
func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "productId is required")
		return
	}
	if !plans.Known(req.ProductID) {
		writeError(w, http.StatusBadRequest, "unknown productId")
		return
	}

	if err := h.engine.RequestPurchase(r.Context(), req.ProductID); err != nil {
		if errors.Is(err, reconcile.ErrPlatformUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "billing platform unavailable")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "purchase_started"})
}

// Restore rescans the purchase ledger on user request.
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Restore(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
