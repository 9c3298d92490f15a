package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidemark-store/api/internal/platform/httpx"
	"github.com/tidemark-store/api/internal/platform/requestctx"
	"github.com/tidemark-store/api/internal/services"
)

// InternalHandlers exposes operational endpoints for trusted callers (cron
// and sibling services). The group is mounted behind HMAC verification.
type InternalHandlers struct {
	coupons services.CouponService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(coupons services.CouponService) *InternalHandlers {
	return &InternalHandlers{coupons: coupons}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/coupons:sweep", h.sweepCoupons)
}

func (h *InternalHandlers) sweepCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	deactivated, err := h.coupons.SweepExpired(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("coupon sweep failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "coupon sweep failed", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"deactivated": deactivated,
	})
}
