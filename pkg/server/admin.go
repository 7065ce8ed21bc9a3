package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/fairness"
	"github.com/Mindburn-Labs/starpay/pkg/payments"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

const maxAdminBodyBytes = 64 << 10

// decodeJSON reads a bounded admin request body. An empty body decodes to
// the zero value.
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxAdminBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type webhookSetRequest struct {
	URL            string   `json:"url"`
	AllowedUpdates []string `json:"allowedUpdates"`
	MaxConnections *int     `json:"maxConnections"`
	DropPending    bool     `json:"dropPending"`
}

func (s *Server) handleWebhookSet(w http.ResponseWriter, r *http.Request) {
	var req webhookSetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}

	target := strings.TrimSpace(req.URL)
	if target == "" && s.cfg.PublicBaseURL != "" {
		target = strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + s.cfg.WebhookPath
	}
	parsed, err := url.Parse(target)
	if target == "" || err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		api.WriteBadRequest(w, r, "invalid_url")
		return
	}

	maxConnections := 0
	if req.MaxConnections != nil {
		if *req.MaxConnections < 1 || *req.MaxConnections > 100 {
			api.WriteBadRequest(w, r, "invalid_max_connections")
			return
		}
		maxConnections = *req.MaxConnections
	}

	params := telegram.SetWebhookParams{
		URL:                target,
		SecretToken:        s.cfg.WebhookSecret,
		AllowedUpdates:     req.AllowedUpdates,
		MaxConnections:     maxConnections,
		DropPendingUpdates: req.DropPending,
	}
	if err := s.deps.Platform.SetWebhook(r.Context(), params); err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "server: webhook set",
		"url", target, "dropPending", req.DropPending)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"url":         target,
		"dropPending": req.DropPending,
	})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	dropPending := false
	switch r.URL.Query().Get("dropPending") {
	case "", "false", "0":
	case "true", "1":
		dropPending = true
	default:
		api.WriteBadRequest(w, r, "invalid_drop_pending")
		return
	}
	if err := s.deps.Platform.DeleteWebhook(r.Context(), dropPending); err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "server: webhook deleted", "dropPending", dropPending)
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "dropPending": dropPending})
}

func (s *Server) handleWebhookInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Platform.GetWebhookInfo(r.Context())
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

type ipRequest struct {
	IP         string `json:"ip"`
	TTLSeconds *int64 `json:"ttlSeconds"`
	Reason     string `json:"reason"`
}

// validIP rejects anything net.ParseIP cannot read.
func validIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if net.ParseIP(s) == nil {
		return "", false
	}
	return s, true
}

func (s *Server) handleIPMarkSuspicious(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}
	ip, ok := validIP(req.IP)
	if !ok {
		api.WriteBadRequest(w, r, "invalid_ip")
		return
	}
	entry := s.deps.Suspicious.MarkSuspicious(ip, req.Reason)
	api.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleIPBan(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}
	ip, ok := validIP(req.IP)
	if !ok {
		api.WriteBadRequest(w, r, "invalid_ip")
		return
	}
	// Zero means a permanent ban; an absent field takes the configured
	// default.
	ttl := s.cfg.BanDefaultTTLSeconds
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			api.WriteBadRequest(w, r, "invalid_ttl")
			return
		}
		ttl = *req.TTLSeconds
	}
	entry := s.deps.Suspicious.Ban(ip, ttl, req.Reason)
	s.logger.InfoContext(r.Context(), "server: ip banned",
		"ip", ip, "ttlSeconds", ttl, "reason", req.Reason)
	api.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleIPUnban(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}
	ip, ok := validIP(req.IP)
	if !ok {
		api.WriteBadRequest(w, r, "invalid_ip")
		return
	}
	removed := s.deps.Suspicious.Unban(ip)
	api.WriteJSON(w, http.StatusOK, map[string]bool{"ok": removed})
}

func (s *Server) handleIPList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := q.Get("type")
	if kind == "" {
		kind = "recent"
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			api.WriteBadRequest(w, r, "invalid_limit")
			return
		}
		limit = n
	}

	var sinceMs int64
	if raw := q.Get("sinceMs"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			api.WriteBadRequest(w, r, "invalid_since")
			return
		}
		sinceMs = n
	}

	var entries any
	switch kind {
	case "recent":
		entries = s.deps.Suspicious.ListRecent(limit, sinceMs)
	case "banned":
		entries = s.deps.Suspicious.ListBanned(limit)
	default:
		api.WriteBadRequest(w, r, "invalid_type")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"type": kind, "entries": entries})
}

func (s *Server) handleRNGCommitToday(w http.ResponseWriter, r *http.Request) {
	commit, err := s.deps.Engine.EnsureTodayCommit(r.Context())
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, commit)
}

func (s *Server) handleRNGReveal(w http.ResponseWriter, r *http.Request) {
	s.reveal(w, r, r.URL.Query().Get("day"))
}

// reveal backs both the admin reveal and the public /fairness/reveal route.
func (s *Server) reveal(w http.ResponseWriter, r *http.Request, day string) {
	if strings.TrimSpace(day) == "" {
		api.WriteBadRequest(w, r, "invalid_day")
		return
	}
	commit, err := s.deps.Engine.Reveal(r.Context(), day)
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusOK, commit)
	case errors.Is(err, fairness.ErrInvalidDay), errors.Is(err, fairness.ErrRevealTooEarly):
		api.WriteBadRequest(w, r, "invalid_day")
	case errors.Is(err, fairness.ErrCommitNotFound):
		api.WriteNotFound(w, r, "commit_missing")
	default:
		api.WriteInternal(w, r, err)
	}
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	stats := payments.CollectStats(s.deps.Payments, s.deps.Awards, s.deps.Refunds)
	api.WriteJSON(w, http.StatusOK, stats)
}
