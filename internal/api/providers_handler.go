package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// ListProviders handles GET /v1/providers: the live routing view of
// every registered provider. Store reads are best effort; a provider
// whose counters cannot be read still appears with neutral scores.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	regs := h.registry.List()
	out := make([]types.ProviderStatus, 0, len(regs))
	for _, reg := range regs {
		id := reg.Adapter.Name()
		ps := types.ProviderStatus{
			ID:           id,
			Capabilities: reg.Adapter.Capabilities(),
			Models:       reg.Adapter.Models(),
			HealthScore:  1,
			SuccessRate:  1,
		}

		if state, err := h.capacity.State(ctx, id); err == nil {
			ps.HealthScore = state.HealthScore
			ps.Utilization = state.Utilization()
		} else {
			h.logger.Warn("capacity state unavailable", "provider", id, "error", err)
		}

		if st, err := h.recorder.Snapshot(ctx, id); err == nil {
			ps.SuccessRate = st.SuccessRate()
			ps.P50LatencyMs = st.P50LatencyMs
			ps.P95LatencyMs = st.P95LatencyMs
		} else {
			h.logger.Warn("provider stats unavailable", "provider", id, "error", err)
		}

		if h.prober != nil {
			if res, ok := h.prober.LastResult(id); ok {
				ps.LastProbeAt = res.CheckedAt
			}
		}

		out = append(out, ps)
	}

	h.writeJSON(w, http.StatusOK, out)
}
