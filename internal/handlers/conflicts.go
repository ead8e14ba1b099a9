package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/middleware"
	"github.com/meschain/meschain-sync/internal/sync"
)

// listConflicts returns a marketplace's conflicts. Without ?status it returns the
// open queue (pending and manual review); ?status=all returns everything.
func (r *Router) listConflicts(w http.ResponseWriter, req *http.Request) {
	mp, err := marketplace.Parse(mux.Vars(req)["marketplace"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var conflicts []*sync.Conflict
	switch status := req.URL.Query().Get("status"); status {
	case "":
		conflicts, err = r.engine.GetConflictQueue(req.Context(), mp)
	case "all":
		conflicts, err = r.engine.ListConflicts(req.Context(), mp)
	default:
		var statuses []sync.ConflictStatus
		for _, s := range strings.Split(status, ",") {
			statuses = append(statuses, sync.ConflictStatus(strings.TrimSpace(s)))
		}
		conflicts, err = r.engine.ListConflicts(req.Context(), mp, statuses...)
	}
	if err != nil {
		r.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conflicts)
}

// resolveConflict applies an operator decision to a queued conflict
func (r *Router) resolveConflict(w http.ResponseWriter, req *http.Request) {
	var decision sync.ManualDecision
	if err := json.NewDecoder(req.Body).Decode(&decision); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	id := mux.Vars(req)["id"]
	operator := middleware.Subject(req.Context())
	conflict, err := r.engine.ResolveConflict(req.Context(), id, decision, operator)
	if err != nil {
		r.respondErr(w, err)
		return
	}

	r.logger.Info("conflict resolved by operator",
		zap.String("conflict_id", id),
		zap.String("side", string(decision.Side)),
		zap.String("operator", operator))
	respondJSON(w, http.StatusOK, conflict)
}
