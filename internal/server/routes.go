package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/store"
)

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	sess, err := s.engine.StartSession(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(sess))
}

func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req engine.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	req.SessionID = chi.URLParam(r, "sessionID")

	id, err := s.engine.RecordTurn(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"turn_id": id})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	var tiers []store.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			tier, err := store.ParseTier(strings.TrimSpace(name))
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			tiers = append(tiers, tier)
		}
	}

	turns, err := s.engine.SessionTurns(r.Context(), chi.URLParam(r, "sessionID"), tiers...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]turnResponse, len(turns))
	for i := range turns {
		out[i] = turnJSON(&turns[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": out})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Compression happens in the background.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "closed"})
}

func (s *Server) handleCompressSession(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Compressor().CompressSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turn, err := s.engine.Turn(r.Context(), chi.URLParam(r, "turnID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnJSON(turn))
}

func (s *Server) handleResurface(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id required")
		return
	}

	id, err := s.engine.Resurface(r.Context(), req.SessionID, chi.URLParam(r, "turnID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"turn_id": id})
}

type turnResponse struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Seq            int64  `json:"seq"`
	UserText       string `json:"user_text"`
	ResponseText   string `json:"response_text"`
	UserTokens     int    `json:"user_tokens"`
	ResponseTokens int    `json:"response_tokens"`
	CreatedAt      string `json:"created_at"`
	Tier           string `json:"tier"`
	Important      bool   `json:"important"`
	SummaryID      string `json:"summary_id,omitempty"`
	OriginID       string `json:"origin_id,omitempty"`
}

func turnJSON(t *store.Turn) turnResponse {
	return turnResponse{
		ID:             t.ID,
		SessionID:      t.SessionID,
		Seq:            t.Seq,
		UserText:       t.UserText,
		ResponseText:   t.ResponseText,
		UserTokens:     t.UserTokens,
		ResponseTokens: t.ResponseTokens,
		CreatedAt:      t.CreatedAt.Format(timeFormat),
		Tier:           string(t.Tier),
		Important:      t.Important,
		SummaryID:      t.SummaryID,
		OriginID:       t.OriginID,
	}
}

func sessionJSON(s *store.Session) map[string]any {
	out := map[string]any{
		"session_id":  s.ID,
		"user_id":     s.UserID,
		"started_at":  s.StartedAt.Format(timeFormat),
		"token_total": s.TokenTotal,
		"active":      s.Active(),
	}
	if s.EndedAt != nil {
		out["ended_at"] = s.EndedAt.Format(timeFormat)
	}
	return out
}
