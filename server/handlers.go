package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"QueueFM/core/auth"
	"QueueFM/core/mode"
	"QueueFM/core/player"
	"QueueFM/logger"
)

const (
	defaultSearchLimit  = 10
	defaultHistoryLimit = 20
	maxBodyBytes        = 1 << 16
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", logger.Component("server"), logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, player.ErrNoNextTrack):
		return http.StatusConflict
	case errors.Is(err, mode.ErrInvalidMode),
		errors.Is(err, mode.ErrUnknownSetting),
		errors.Is(err, mode.ErrInvalidValue):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// credential prefers the body token and falls back to a bearer header.
func credential(r *http.Request, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// decodeAdmin reads the body into v and checks its token.
func (s *Server) decodeAdmin(w http.ResponseWriter, r *http.Request, v interface{ token() string }) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.deps.Auth.Check(credential(r, v.token())); err != nil {
		writeError(w, http.StatusForbidden, "Invalid admin token")
		return false
	}
	return true
}

type adminRequest struct {
	Token string `json:"token"`
}

func (a *adminRequest) token() string { return a.Token }

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Station.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"listeners":     s.deps.Station.Listeners(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	limit := defaultSearchLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 50 {
		limit = v
	}
	writeJSON(w, http.StatusOK, s.deps.Search.Search(r.Context(), q, r.URL.Query().Get("source"), limit))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	limit := defaultHistoryLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	entries, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		logger.Error("load history failed", logger.Component("server"), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if s.deps.Origin == nil {
		writeError(w, http.StatusBadGateway, "Stream not available")
		return
	}
	body, contentType, err := s.deps.Origin.Listen(r.Context())
	if err != nil {
		logger.Warn("stream proxy failed", logger.Component("server"), logger.ErrorField(err))
		writeError(w, http.StatusBadGateway, "Stream not available")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 16*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleOrigin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Origin == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.deps.Origin.Status(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := s.deps.Auth.Login(credential(r, req.Token))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "session": session})
}

type modeBody struct {
	adminRequest
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeBody
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if err := s.deps.Station.SetMode(r.Context(), req.Mode); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "mode": req.Mode})
}

type settingsBody struct {
	adminRequest
	Key   string `json:"key"`
	Value int    `json:"value"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsBody
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if err := s.deps.Station.UpdateSetting(r.Context(), req.Key, req.Value); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "settings": s.deps.Station.Snapshot().ModeSettings})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if err := s.deps.Station.AdminSkip(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type keepFilesBody struct {
	adminRequest
	Keep bool `json:"keep"`
}

func (s *Server) handleKeepFiles(w http.ResponseWriter, r *http.Request) {
	var req keepFilesBody
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if err := s.deps.Station.SetKeepFiles(r.Context(), req.Keep); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "keep": req.Keep})
}
