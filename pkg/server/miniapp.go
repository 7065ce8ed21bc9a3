package server

import (
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/miniapp"
	"github.com/Mindburn-Labs/starpay/pkg/observability"
)

type invoiceRequest struct {
	CaseID string `json:"caseId"`
}

// handleMiniappInvoice mints a Stars invoice link for the authenticated
// mini-app user. Auth and admission run in the middleware stack; by the
// time this executes the identity is in the context.
func (s *Server) handleMiniappInvoice(w http.ResponseWriter, r *http.Request) {
	identity, ok := miniapp.IdentityFromContext(r.Context())
	if !ok {
		api.WriteForbidden(w, r, "signature")
		return
	}

	var req invoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, "invalid_case_id")
		return
	}
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		api.WriteBadRequest(w, r, "invalid_case_id")
		return
	}

	invoice, err := s.deps.Invoices.Create(r.Context(), caseID, identity.UserID)
	switch {
	case errors.Is(err, catalog.ErrCaseNotFound):
		api.WriteBadRequest(w, r, "invalid_case_id")
		return
	case err != nil:
		observability.SetSpanError(r.Context(), err)
		api.WriteInternal(w, r, err)
		return
	}

	observability.AddSpanEvent(r.Context(), "invoice minted",
		attribute.String("case.id", caseID))
	s.logger.InfoContext(r.Context(), "server: invoice minted",
		"case", caseID, "user", identity.UserID)
	api.WriteJSON(w, http.StatusOK, invoice)
}
