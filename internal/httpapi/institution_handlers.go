package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medreel.org/internal/audit"
)

// handleRecheck triggers reconciliation for one institution, outside the
// scheduled sweep window. Admin only; the run is synchronous, so the response
// carries the refreshed statistics.
func (a *API) handleRecheck(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	id := chi.URLParam(r, "id")

	if err := a.sweeper.Recheck(r.Context(), id); err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	inst, err := a.store.Institutions(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "institution.recheck", map[string]any{
		"institution_id": id,
		"member_count":   inst.Stats.MemberCount,
		"granted_count":  inst.Stats.GrantedCount,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"institution_id": inst.ID,
		"member_count":   inst.Stats.MemberCount,
		"granted_count":  inst.Stats.GrantedCount,
		"last_checked":   inst.LastChecked,
	})
}
