/**
 * @description
 * This file sets up the HTTP router for the ledger service. It defines the API
 * endpoints, associates them with their handlers and applies middleware for
 * logging, recovery, CORS and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling for the web client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, auth AuthConfig, internalKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/accounts", h.ProvisionAccountHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Get("/account/me", h.GetMyAccountHandler)
		r.Post("/checkin", h.CheckinHandler)
		r.Post("/mining/start", h.StartMiningHandler)
		r.Post("/mining/collect", h.CollectMiningHandler)
		r.Post("/transfer", h.TransferHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/referrals/count", h.ReferralCountHandler)
		r.Post("/referrals/attribute", h.AttributeReferralHandler)
		r.Post("/kyc", h.SubmitKYCHandler)
		r.Get("/notifications", h.ListNotificationsHandler)
		r.Get("/tasks", h.ListTasksHandler)
		r.Get("/settings", h.SettingsHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/kyc/{email}/review", h.ReviewKYCHandler)
			r.Post("/referral-bonus", h.GrantReferralBonusHandler)
			r.Get("/fee-pool", h.FeePoolHandler)
		})
	})

	return r
}
