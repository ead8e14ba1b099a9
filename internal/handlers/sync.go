package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/report"
	"github.com/meschain/meschain-sync/internal/sync"
)

// StartSyncRequest selects marketplaces; empty means every enabled one
type StartSyncRequest struct {
	Marketplaces []string `json:"marketplaces"`
}

// startSync opens (or reuses) sessions and runs their first pass in the background
func (r *Router) startSync(w http.ResponseWriter, req *http.Request) {
	var body StartSyncRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
	}

	mps, err := marketplace.ParseList(body.Marketplaces)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	handles, err := r.engine.StartSync(req.Context(), mps)
	if err != nil {
		r.respondErr(w, err)
		return
	}

	r.logger.Info("sync started", zap.Int("sessions", len(handles)))
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"sessions": handles,
	})
}

// listSessions returns every tracked session, or only open ones with ?active=true
func (r *Router) listSessions(w http.ResponseWriter, req *http.Request) {
	var sessions []sync.SyncSession
	if req.URL.Query().Get("active") == "true" {
		sessions = r.engine.ListActiveSessions()
	} else {
		sessions = r.engine.ListSessions()
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (r *Router) getSession(w http.ResponseWriter, req *http.Request) {
	session, err := r.engine.GetSessionStatus(mux.Vars(req)["id"])
	if err != nil {
		r.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// sessionAction handles stop, pause and resume
func (r *Router) sessionAction(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	var (
		session sync.SyncSession
		err     error
	)
	switch vars["action"] {
	case "stop":
		session, err = r.engine.StopSync(req.Context(), id)
	case "pause":
		session, err = r.engine.PauseSync(req.Context(), id)
	case "resume":
		session, err = r.engine.ResumeSync(req.Context(), id)
	}
	if err != nil {
		r.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (r *Router) listPasses(w http.ResponseWriter, req *http.Request) {
	passes, err := r.engine.ListPasses(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, passes)
}

// sessionReport renders the session report as a download
func (r *Router) sessionReport(w http.ResponseWriter, req *http.Request) {
	format, err := report.ParseFormat(req.URL.Query().Get("format"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := report.Collect(req.Context(), r.engine, mux.Vars(req)["id"])
	if err != nil {
		r.respondErr(w, err)
		return
	}
	body, err := report.Render(rep, format)
	if err != nil {
		r.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+rep.Filename(format)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// archiveReport uploads the session report to the configured bucket
func (r *Router) archiveReport(w http.ResponseWriter, req *http.Request) {
	if r.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "Report archive is not configured")
		return
	}
	format, err := report.ParseFormat(req.URL.Query().Get("format"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := report.Collect(req.Context(), r.engine, mux.Vars(req)["id"])
	if err != nil {
		r.respondErr(w, err)
		return
	}
	key, err := r.archive.Store(req.Context(), rep, format)
	if err != nil {
		r.logger.Error("report archive failed", zap.String("session_id", rep.Session.ID), zap.Error(err))
		respondError(w, http.StatusBadGateway, "Failed to archive report")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"key": key, "format": string(format)})
}

// getBandwidth returns traffic levels per marketplace scope
func (r *Router) getBandwidth(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scope":        r.engine.Bandwidth().Scope(),
		"marketplaces": r.engine.Bandwidth().Stats(),
	})
}

// getConnectivity returns modes, the switch log and the pass schedule
func (r *Router) getConnectivity(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"statuses": r.engine.Connectivity().All(),
		"history":  r.engine.Connectivity().History(),
		"schedule": r.engine.Scheduler().Entries(),
	})
}
