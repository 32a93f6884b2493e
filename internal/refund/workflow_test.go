package refund

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/models"
)

func TestCreateRefundRequestAmounts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, _ := f.paidPayment("200")

	_, err := f.wf.CreateRefundRequest(ctx, CreateInput{
		PaymentID: p.ID, Requester: uuid.New(), Amount: dec("300"), OriginalAmount: dec("200"), Reason: "moved out",
	})
	if !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Fatalf("300 on 200: got %v, want ErrInvalidAmount", err)
	}
	if _, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("0"), Reason: "x"}); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("10"), Reason: ""}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("missing reason: got %v", err)
	}
	if _, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("10"), OriginalAmount: dec("150"), Reason: "x"}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("original mismatch: got %v", err)
	}

	r, err := f.wf.CreateRefundRequest(ctx, CreateInput{
		PaymentID: p.ID, Requester: uuid.New(), Amount: dec("120"), Reason: "overcharged", Category: models.RefundCategoryOverpayment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RefundPending || !r.IsPartial || !r.OriginalAmount.Equal(dec("200")) {
		t.Errorf("created refund: %+v", r)
	}
	if r.StudentID != p.StudentID || r.Reference == "" {
		t.Errorf("refund not tied to payment: %+v", r)
	}

	// 120 is already committed; another 100 would exceed 200.
	if _, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("100"), Reason: "again"}); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("cumulative guard: got %v", err)
	}
	if _, err := f.wf.Reject(ctx, r.ID, uuid.New(), "not eligible"); err != nil {
		t.Fatal(err)
	}
	full, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("200"), Reason: "full"})
	if err != nil {
		t.Fatalf("after rejection the full amount is available again: %v", err)
	}
	if full.IsPartial {
		t.Error("full refund marked partial")
	}
}

func TestRefundLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, orig := f.paidPayment("5000")
	approver, processor := uuid.New(), uuid.New()

	r, err := f.wf.CreateRefundRequest(ctx, CreateInput{
		PaymentID: p.ID, Requester: uuid.New(), Amount: dec("5000"), Reason: "booking cancelled",
		Category: models.RefundCategoryCancellation, OriginalGatewayTxID: &orig.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.BeginProcessing(ctx, r.ID, processor, ""); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("process before approval: got %v", err)
	}
	if _, err := f.wf.Complete(ctx, r.ID, CompleteInput{ProcessedAmount: dec("5000")}); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("complete before processing: got %v", err)
	}

	if _, err := f.wf.Approve(ctx, r.ID, approver, "ok"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.Approve(ctx, r.ID, approver, "ok"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("double approval: got %v, want ErrConflict", err)
	}
	if _, err := f.wf.Reject(ctx, r.ID, approver, "changed mind"); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Errorf("reject after approval: got %v", err)
	}

	r, err = f.wf.BeginProcessing(ctx, r.ID, processor, "rfnd_FP8QHiV938haTz")
	if err != nil {
		t.Fatal(err)
	}
	if r.GatewayTxID == nil {
		t.Fatal("no gateway refund transaction opened")
	}
	if got := f.gateway.get(orig.ID).Status; got != models.GatewayRefundInitiated {
		t.Errorf("original gateway status: %s", got)
	}
	rtx := f.gateway.get(*r.GatewayTxID)
	if rtx.Type != models.GatewayTxRefund || rtx.Status != models.GatewayProcessing || *rtx.ParentTransactionID != orig.ID {
		t.Errorf("refund gateway tx: %+v", rtx)
	}

	if _, err := f.wf.Complete(ctx, r.ID, CompleteInput{ProcessedAmount: dec("5001")}); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("over-processing: got %v", err)
	}
	fee := dec("11.80")
	r, err = f.wf.Complete(ctx, r.ID, CompleteInput{
		ProcessedAmount: dec("5000"), TransactionID: "txn_1", GatewayResponse: json.RawMessage(`{"status":"processed"}`), Fee: &fee,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RefundCompleted || r.LedgerEntryID == nil || r.CompletedAt == nil {
		t.Errorf("completed refund: %+v", r)
	}
	if len(f.ledger.posts) != 1 {
		t.Fatalf("ledger posts: %d", len(f.ledger.posts))
	}
	post := f.ledger.posts[0]
	if post.Kind != models.EntryKindDebit || post.Category != models.CategoryRefund || !post.Amount.Equal(dec("5000")) || post.StudentID != p.StudentID {
		t.Errorf("ledger post: %+v", post)
	}
	pay, _ := f.payments.GetForUpdate(ctx, nil, p.ID)
	if !pay.IsRefunded || !pay.RefundAmount.Equal(dec("5000")) {
		t.Errorf("payment refund totals: %+v", pay)
	}
	if got := f.gateway.get(orig.ID).Status; got != models.GatewayRefunded {
		t.Errorf("original gateway status after full refund: %s", got)
	}
	if got := f.gateway.get(*r.GatewayTxID).Status; got != models.GatewaySuccess {
		t.Errorf("refund gateway status: %s", got)
	}

	for name, call := range map[string]func() error{
		"cancel": func() error { _, err := f.wf.Cancel(ctx, r.ID, approver, "late"); return err },
		"fail":   func() error { _, err := f.wf.Fail(ctx, r.ID, "E", "m"); return err },
		"complete": func() error {
			_, err := f.wf.Complete(ctx, r.ID, CompleteInput{ProcessedAmount: dec("1")})
			return err
		},
	} {
		if err := call(); !errors.Is(err, apperr.ErrInvalidStateTransition) {
			t.Errorf("%s on COMPLETED: got %v", name, err)
		}
	}
}

func TestPartialRefundLeavesOriginalOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, orig := f.paidPayment("1000")

	r, _ := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("400"), Reason: "deposit", OriginalGatewayTxID: &orig.ID})
	f.wf.Approve(ctx, r.ID, uuid.New(), "")
	f.wf.BeginProcessing(ctx, r.ID, uuid.New(), "")
	if _, err := f.wf.Complete(ctx, r.ID, CompleteInput{ProcessedAmount: dec("400")}); err != nil {
		t.Fatal(err)
	}
	if got := f.gateway.get(orig.ID).Status; got != models.GatewayRefundInitiated {
		t.Errorf("original after partial refund: %s", got)
	}
	pay, _ := f.payments.GetForUpdate(ctx, nil, p.ID)
	if pay.IsRefunded || pay.Status != models.PaymentStatusCompleted {
		t.Errorf("payment after partial refund: %+v", pay)
	}
}

func TestFailDoesNotTouchLedger(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, orig := f.paidPayment("800")

	r, _ := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("800"), Reason: "x", OriginalGatewayTxID: &orig.ID})
	f.wf.Approve(ctx, r.ID, uuid.New(), "")
	r, _ = f.wf.BeginProcessing(ctx, r.ID, uuid.New(), "")

	if _, err := f.wf.Fail(ctx, r.ID, "", ""); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("fail without detail: got %v", err)
	}
	failed, err := f.wf.Fail(ctx, r.ID, "BAD_REQUEST_ERROR", "refund amount exceeds captured")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != models.RefundFailed || *failed.ErrorCode != "BAD_REQUEST_ERROR" {
		t.Errorf("failed refund: %+v", failed)
	}
	if len(f.ledger.posts) != 0 {
		t.Errorf("ledger touched on failure: %d posts", len(f.ledger.posts))
	}
	if got := f.gateway.get(*r.GatewayTxID).Status; got != models.GatewayFailed {
		t.Errorf("refund gateway tx: %s", got)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, _ := f.paidPayment("300")

	r, _ := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("300"), Reason: "x"})
	c, err := f.wf.Cancel(ctx, r.ID, uuid.New(), "student withdrew request")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.RefundCancelled || c.CancelledAt == nil {
		t.Errorf("cancelled refund: %+v", c)
	}
	if _, err := f.wf.Approve(ctx, r.ID, uuid.New(), ""); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Errorf("approve cancelled: got %v", err)
	}
	if _, err := f.wf.Get(ctx, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown refund: got %v", err)
	}
	byRef, err := f.wf.GetByReference(ctx, r.Reference)
	if err != nil || byRef.ID != r.ID {
		t.Errorf("by reference: %v", err)
	}
	list, _ := f.wf.ListByPayment(ctx, p.ID)
	if len(list) != 1 {
		t.Errorf("list by payment: %d", len(list))
	}
}

func TestUnpaidPaymentNotRefundable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := models.Payment{ID: uuid.New(), Amount: dec("100"), Currency: "INR", Status: models.PaymentStatusPending}
	f.payments.add(p)
	if _, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: p.ID, Amount: dec("50"), Reason: "x"}); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Errorf("pending payment: got %v", err)
	}
	if _, err := f.wf.CreateRefundRequest(ctx, CreateInput{PaymentID: uuid.New(), Amount: dec("50"), Reason: "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown payment: got %v", err)
	}
}
