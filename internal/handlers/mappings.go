package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meschain/meschain-sync/internal/mapping"
	"github.com/meschain/meschain-sync/internal/marketplace"
)

// ClassifyRequest carries category suggestions for one marketplace
type ClassifyRequest struct {
	Marketplace string               `json:"marketplace"`
	Suggestions []mapping.Suggestion `json:"suggestions"`
}

// classifyMapping queues suggestions; high-confidence ones are accepted at once
func (r *Router) classifyMapping(w http.ResponseWriter, req *http.Request) {
	var body ClassifyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	mp, err := marketplace.Parse(body.Marketplace)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries := make([]mapping.Entry, 0, len(body.Suggestions))
	for _, s := range body.Suggestions {
		entry, err := r.engine.Mappings().Add(mp, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		entries = append(entries, entry)
	}
	respondJSON(w, http.StatusOK, entries)
}

func (r *Router) listMappings(w http.ResponseWriter, req *http.Request) {
	mp, err := marketplace.Parse(mux.Vars(req)["marketplace"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, r.engine.Mappings().List(mp))
}

// reviewMapping accepts or rejects a queued suggestion
func (r *Router) reviewMapping(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	mp, err := marketplace.Parse(vars["marketplace"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entry mapping.Entry
	if vars["action"] == "accept" {
		entry, err = r.engine.Mappings().Accept(mp, vars["category_id"])
	} else {
		entry, err = r.engine.Mappings().Reject(mp, vars["category_id"])
	}
	if err != nil {
		r.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
