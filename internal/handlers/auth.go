package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/utils"
)

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login exchanges the operator credentials for a token pair
func (r *Router) login(w http.ResponseWriter, req *http.Request) {
	var loginReq LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&loginReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if !utils.CheckAdminCredentials(r.cfg, loginReq.Username, loginReq.Password) {
		r.logger.Warn("failed login", zap.String("username", loginReq.Username))
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	accessToken, refreshToken, err := utils.GenerateTokens(loginReq.Username, "admin", r.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": map[string]string{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
		},
		"user": map[string]string{"username": loginReq.Username, "role": "admin"},
	})
}
