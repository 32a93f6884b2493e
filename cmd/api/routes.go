package main

import (
	"log/slog"
	"net/http"

	"github.com/pgstay/backend/internal/config"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/handlers"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reconciliation"
	"github.com/pgstay/backend/internal/refund"
	"github.com/pgstay/backend/internal/router"
)

type services struct {
	ledger   ledger.Service
	gateway  gateway.Tracker
	refunds  refund.Workflow
	reporter *reconciliation.Reporter
}

// registerV1Routes mounts the /v1 API on mux.
// Chain: ActorAuth -> RequireRole -> handler; webhooks: WebhookBody -> handler.
func registerV1Routes(mux *http.ServeMux, cfg *config.Config, svc services, logger *slog.Logger) error {
	payloads, err := gateway.NewPayloadValidator()
	if err != nil {
		return err
	}
	api := router.New(router.Deps{
		Ledger:  &handlers.LedgerHandler{Ledger: svc.ledger, Logger: logger},
		Gateway: &handlers.GatewayHandler{Gateway: svc.gateway, Logger: logger},
		Refunds: &handlers.RefundHandler{Refunds: svc.refunds, Logger: logger},
		Reports: &handlers.ReportHandler{Reports: svc.reporter, Logger: logger},

		JWTSecret:     []byte(cfg.Auth.JWTSecret),
		WebhookSecret: func(p models.GatewayProvider) []byte {
			return cfg.WebhookSecret(string(p))
		},
		Payloads: payloads,
	})
	mux.Handle("/", api)
	return nil
}
