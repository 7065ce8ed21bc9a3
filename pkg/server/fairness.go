package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/fairness"
)

// handleFairnessToday publishes the current day's commitment so players can
// pin the hash before opening a case.
func (s *Server) handleFairnessToday(w http.ResponseWriter, r *http.Request) {
	commit, err := s.deps.Engine.EnsureTodayCommit(r.Context())
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, struct {
		DayUTC         string `json:"dayUtc"`
		ServerSeedHash string `json:"serverSeedHash"`
	}{commit.DayUTC, commit.ServerSeedHash})
}

func (s *Server) handleFairnessReveal(w http.ResponseWriter, r *http.Request) {
	s.reveal(w, r, r.PathValue("day"))
}

type verifyRequest struct {
	DayUTC     string `json:"dayUtc"`
	ServerSeed string `json:"serverSeed"`
	UserID     int64  `json:"userId"`
	Nonce      string `json:"nonce"`
	CaseID     string `json:"caseId"`
}

// handleFairnessVerify rechecks a draw against a revealed seed. The route is
// unauthenticated; it only touches published commitments.
func (s *Server) handleFairnessVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}
	if _, err := time.Parse(time.DateOnly, req.DayUTC); err != nil {
		api.WriteBadRequest(w, r, "invalid_day")
		return
	}
	if req.UserID <= 0 {
		api.WriteBadRequest(w, r, "invalid_payload")
		return
	}
	if strings.TrimSpace(req.Nonce) == "" {
		api.WriteBadRequest(w, r, "nonce_blank")
		return
	}
	if strings.TrimSpace(req.CaseID) == "" {
		api.WriteBadRequest(w, r, "case_id_blank")
		return
	}

	res, err := s.deps.Engine.Verify(r.Context(), req.DayUTC, req.ServerSeed, req.UserID, req.Nonce, req.CaseID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	switch res.Status {
	case fairness.VerifySuccess:
		api.WriteJSON(w, http.StatusOK, res)
	case fairness.VerifyCommitMissing:
		api.WriteNotFound(w, r, "commit_missing")
	case fairness.VerifyInvalidServerSeed:
		api.WriteBadRequest(w, r, "invalid_server_seed")
	case fairness.VerifyServerSeedMismatch:
		api.WriteBadRequest(w, r, "server_seed_mismatch")
	default:
		api.WriteInternal(w, r, fmt.Errorf("server: unknown verify status %q", res.Status))
	}
}
