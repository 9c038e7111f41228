package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/challenge"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
)

const maxHistory = 500

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createChallenge(w http.ResponseWriter, r *http.Request) {
	var in challenge.NewChallenge
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.challenges.CreateChallenge(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, c)
}

func (h *Handler) getChallenge(w http.ResponseWriter, r *http.Request) {
	view, err := h.challenges.GetChallenge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	if !claims.IsAdmin() {
		// participants see the pot and their own stake only
		own := view.Participants[:0:0]
		for _, p := range view.Participants {
			if p.UserID == claims.UserID() {
				own = append(own, p)
			}
		}
		view.Participants = own
	}
	writeSuccess(w, http.StatusOK, view)
}

type joinRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) joinChallenge(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	claims, _ := claimsFromContext(r.Context())
	p, err := h.challenges.Join(r.Context(), chi.URLParam(r, "id"), claims.UserID(), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, p)
}

func (h *Handler) leaveChallenge(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	p, err := h.challenges.Leave(r.Context(), chi.URLParam(r, "id"), claims.UserID())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, p)
}

type proofRequest struct {
	Period        int    `json:"period"`
	HasProof      bool   `json:"has_proof"`
	SubmissionRef string `json:"submission_ref"`
}

func (h *Handler) submitProof(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	rec, err := h.challenges.SubmitProof(r.Context(), chi.URLParam(r, "id"), claims.UserID(), req.Period, req.HasProof, req.SubmissionRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

func (h *Handler) distributePot(w http.ResponseWriter, r *http.Request) {
	res, err := h.settlement.DistributePot(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) retryPayouts(w http.ResponseWriter, r *http.Request) {
	res, err := h.settlement.RetryFailedPayouts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

type invalidateRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (h *Handler) invalidateSubmission(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	p, err := h.review.InvalidateSubmission(r.Context(), chi.URLParam(r, "id"), req.UserID, claims.UserID(), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, p)
}

type reviewRequest struct {
	Notes  string `json:"notes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// optionalBody decodes a request body that callers may omit entirely.
func optionalBody(r *http.Request) (reviewRequest, error) {
	var req reviewRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := decodeJSON(r, &req); err != nil {
		return reviewRequest{}, err
	}
	return req, nil
}

func (h *Handler) verifyAll(w http.ResponseWriter, r *http.Request) {
	req, err := optionalBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	res, err := h.review.VerifyAll(r.Context(), chi.URLParam(r, "id"), claims.UserID(), req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	req, err := optionalBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	res, err := h.review.ApproveAfterInvalidation(r.Context(), chi.URLParam(r, "id"), claims.UserID(), req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) requestRejection(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	intent, err := h.review.RequestRejection(r.Context(), chi.URLParam(r, "id"), claims.UserID())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, intent)
}

func (h *Handler) confirmRejection(w http.ResponseWriter, r *http.Request) {
	req, err := optionalBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	claims, _ := claimsFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.review.ConfirmRejection(r.Context(), id, claims.UserID(), req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{
		"challenge_id":    id,
		"approval_status": string(models.ApprovalRejected),
	})
}

type walletResponse struct {
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
}

// ownerAllowed reports whether the caller may read owner's wallet.
func ownerAllowed(r *http.Request, owner string) bool {
	claims, ok := claimsFromContext(r.Context())
	return ok && (claims.IsAdmin() || claims.UserID() == owner)
}

func (h *Handler) getWallet(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if !ownerAllowed(r, owner) {
		writeError(w, r, http.StatusForbidden, "forbidden", "not your wallet")
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, walletResponse{Owner: owner, Balance: balance})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if !ownerAllowed(r, owner) {
		writeError(w, r, http.StatusForbidden, "forbidden", "not your wallet")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistory {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	txns, err := h.ledger.History(r.Context(), owner, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []models.LedgerTransaction{}
	}
	writeSuccess(w, http.StatusOK, txns)
}

func (h *Handler) reconcileWallet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}
