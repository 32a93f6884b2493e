package router

import (
	"net/http"

	"github.com/pgstay/backend/internal/handlers"
	"github.com/pgstay/backend/internal/middleware"
	"github.com/pgstay/backend/internal/models"
)

type Deps struct {
	Ledger  *handlers.LedgerHandler
	Gateway *handlers.GatewayHandler
	Refunds *handlers.RefundHandler
	Reports *handlers.ReportHandler

	JWTSecret     []byte
	WebhookSecret func(models.GatewayProvider) []byte
	Payloads      middleware.PayloadChecker
}

// New returns the /v1 API. Provider webhooks are authenticated by signature, everything else by
// bearer token.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	auth := middleware.ActorAuth(d.JWTSecret)
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }
	role := func(h http.HandlerFunc, roles ...string) http.Handler {
		return auth(middleware.RequireRole(roles...)(h))
	}
	finance := []string{middleware.RoleAdmin, middleware.RoleAccountant}
	operator := []string{middleware.RoleAdmin, middleware.RoleAccountant, middleware.RoleService}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Ledger
	l := d.Ledger
	mux.Handle("POST /v1/ledger/entries", role(l.PostEntry, finance...))
	mux.Handle("POST /v1/ledger/double-entries", role(l.PostDoubleEntry, finance...))
	mux.Handle("GET /v1/ledger/entries/{id}", authed(l.GetEntry))
	mux.Handle("POST /v1/ledger/entries/{id}/reverse", role(l.ReverseEntry, finance...))
	mux.Handle("POST /v1/ledger/entries/{id}/reconcile", role(l.MarkReconciled, finance...))
	mux.Handle("GET /v1/ledger/hostels/{hostel}/students/{student}/balance", authed(l.GetBalance))
	mux.Handle("GET /v1/ledger/hostels/{hostel}/students/{student}/entries", authed(l.ListEntries))
	mux.Handle("GET /v1/ledger/hostels/{hostel}/unreconciled", role(l.ListUnreconciled, finance...))
	mux.Handle("GET /v1/ledger/hostels/{hostel}/discrepancies", role(l.Discrepancies, finance...))

	// Gateway
	g := d.Gateway
	mux.Handle("POST /v1/gateway/transactions", role(g.Create, operator...))
	mux.Handle("GET /v1/gateway/transactions/{id}", authed(g.Get))
	mux.Handle("GET /v1/gateway/references/{ref}", authed(g.GetByReference))
	mux.Handle("POST /v1/gateway/transactions/{id}/transition", role(g.Transition, operator...))
	mux.Handle("POST /v1/gateway/transactions/{id}/verify", role(g.Verify, operator...))
	mux.Handle("POST /v1/gateway/transactions/{id}/settlement", role(g.RecordSettlement, operator...))
	mux.Handle("POST /v1/gateway/transactions/{id}/retry", role(g.Retry, operator...))
	mux.Handle("GET /v1/gateway/transactions/{id}/webhooks", role(g.ListWebhooks, operator...))
	mux.Handle("POST /v1/webhooks/{provider}", middleware.WebhookBody(d.WebhookSecret, d.Payloads)(http.HandlerFunc(g.Webhook)))

	// Refunds
	rf := d.Refunds
	mux.Handle("POST /v1/refunds", authed(rf.Create))
	mux.Handle("GET /v1/refunds/{id}", authed(rf.Get))
	mux.Handle("GET /v1/payments/{id}/refunds", authed(rf.ListByPayment))
	mux.Handle("POST /v1/refunds/{id}/approve", role(rf.Approve, finance...))
	mux.Handle("POST /v1/refunds/{id}/reject", role(rf.Reject, finance...))
	mux.Handle("POST /v1/refunds/{id}/process", role(rf.Process, operator...))
	mux.Handle("POST /v1/refunds/{id}/complete", role(rf.Complete, operator...))
	mux.Handle("POST /v1/refunds/{id}/fail", role(rf.Fail, operator...))
	mux.Handle("POST /v1/refunds/{id}/cancel", authed(rf.Cancel))

	// Reports
	rp := d.Reports
	mux.Handle("GET /v1/reports/hostels/{hostel}/snapshot", role(rp.Snapshot, finance...))
	mux.Handle("GET /v1/reports/gateway/unverified", role(rp.Unverified, finance...))
	mux.Handle("GET /v1/reports/gateway/unsettled", role(rp.Unsettled, finance...))
	mux.Handle("GET /v1/reports/gateway/performance", role(rp.Performance, finance...))
	mux.Handle("GET /v1/reports/gateway/discrepancies", role(rp.Discrepancies, finance...))
	mux.Handle("GET /v1/reports/reconciliation", role(rp.Reconciliation, finance...))

	return mux
}
