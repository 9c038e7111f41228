// Package api exposes the escrow service over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/challenge"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/ledger"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/review"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/settlement"
	"github.com/sirupsen/logrus"
)

type Dependencies struct {
	Challenges *challenge.Service
	Review     *review.Workflow
	Settlement *settlement.Engine
	Ledger     *ledger.Ledger
	Tokens     *Tokens
	// Gatherer backs /metrics; nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
	Log      logrus.FieldLogger
}

type Handler struct {
	challenges *challenge.Service
	review     *review.Workflow
	settlement *settlement.Engine
	ledger     *ledger.Ledger
	tokens     *Tokens
	gatherer   prometheus.Gatherer
	log        logrus.FieldLogger
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		challenges: deps.Challenges,
		review:     deps.Review,
		settlement: deps.Settlement,
		ledger:     deps.Ledger,
		tokens:     deps.Tokens,
		gatherer:   deps.Gatherer,
		log:        logging.OrBase(deps.Log),
	}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, h.recoverMiddleware, h.loggingMiddleware)

	r.Get("/health", h.health)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Route("/challenges", func(r chi.Router) {
			r.With(requireAdmin).Post("/", h.createChallenge)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getChallenge)
				r.Post("/join", h.joinChallenge)
				r.Post("/leave", h.leaveChallenge)
				r.Post("/proofs", h.submitProof)
				r.With(requireAdmin).Post("/distribute", h.distributePot)
			})
		})

		r.Route("/wallets/{owner}", func(r chi.Router) {
			r.Get("/", h.getWallet)
			r.Get("/transactions", h.listTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Route("/challenges/{id}", func(r chi.Router) {
				r.Post("/invalidate", h.invalidateSubmission)
				r.Post("/verify-all", h.verifyAll)
				r.Post("/approve", h.approve)
				r.Post("/reject/intent", h.requestRejection)
				r.Post("/reject/confirm", h.confirmRejection)
				r.Post("/retry-payouts", h.retryPayouts)
			})
			r.Get("/wallets/{owner}/reconcile", h.reconcileWallet)
		})
	})
	return r
}
