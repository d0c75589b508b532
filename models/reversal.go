package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CancelInvoiceInput struct {
	Reason string `json:"reason" binding:"required"`
}

type NewRefund struct {
	InvoiceId int             `json:"invoiceId" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Reason    string          `json:"reason" binding:"required"`
	Method    string          `json:"method"`
	Reference string          `json:"reference"`
}

// ReversalResult reports what the coordinator did, including the per-order
// outcomes of the dependent-order walk.
type ReversalResult struct {
	Invoice  *Invoice        `json:"invoice"`
	Refund   *InvoicePayment `json:"refund,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// CancelInvoice cancels an unpaid or partially paid invoice and walks its
// dependent procedure orders. Captured money is untouched; refund it first
// if the balance must go back.
func CancelInvoice(ctx context.Context, invoiceId int, input *CancelInvoiceInput) (*ReversalResult, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, utils.NewValidationError("clinicId", "clinic id is required")
	}
	if input == nil || input.Reason == "" {
		return nil, utils.NewValidationError("reason", "a cancellation reason is required")
	}

	result := &ReversalResult{}
	db := config.GetDB()
	err := utils.RunInTxWithRetry(ctx, db, "cancel invoice", func(tx *gorm.DB) error {
		invoice, err := lockInvoice(tx, ctx, clinicId, invoiceId)
		if err != nil {
			return err
		}
		if err := ValidateStatusTransition(invoice.Status, InvoiceStatusCancelled); err != nil {
			return err
		}

		warnings, err := reconcileDependentOrders(tx, ctx, invoice, input.Reason)
		if err != nil {
			return err
		}
		result.Warnings = warnings

		now := time.Now().UTC()
		for i := range invoice.Items {
			item := invoice.Items[i]
			if item.ExternalRef == "" {
				continue
			}
			if err := QueueSyncMessage(ctx, tx, clinicId, invoice.ID, item.ExternalRef, PaymentSyncStatusUnpaid, now); err != nil {
				return err
			}
		}

		if err := tx.WithContext(ctx).Model(&Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]interface{}{
				"status":        InvoiceStatusCancelled,
				"cancel_reason": input.Reason,
			}).Error; err != nil {
			return err
		}
		invoice.Status = InvoiceStatusCancelled
		invoice.CancelReason = input.Reason
		result.Invoice = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefundPayment returns captured money. The refund amount can never exceed
// what was actually paid, and the outstanding balance never goes negative.
// A full refund of a Paid invoice moves it to Refunded.
func RefundPayment(ctx context.Context, input *NewRefund) (*ReversalResult, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, utils.NewValidationError("clinicId", "clinic id is required")
	}
	if !input.Amount.IsPositive() {
		return nil, utils.NewValidationError("amount", "refund amount must be positive")
	}
	if input.Reason == "" {
		return nil, utils.NewValidationError("reason", "a refund reason is required")
	}

	result := &ReversalResult{}
	db := config.GetDB()
	err := utils.RunInTxWithRetry(ctx, db, "refund payment", func(tx *gorm.DB) error {
		invoice, err := lockInvoice(tx, ctx, clinicId, input.InvoiceId)
		if err != nil {
			return err
		}
		if input.Amount.GreaterThan(invoice.Summary.AmountPaid) {
			return utils.NewBusinessRuleError("refund exceeds amount paid",
				"refund of "+input.Amount.String()+" exceeds the captured total of "+invoice.Summary.AmountPaid.String())
		}

		now := time.Now().UTC()
		refund := InvoicePayment{
			ClinicId:     clinicId,
			InvoiceId:    invoice.ID,
			Kind:         PaymentKindRefund,
			Amount:       input.Amount,
			ExchangeRate: decimal.NewFromInt(1),
			Method:       input.Method,
			Reference:    input.Reference,
			Notes:        input.Reason,
			PaidAt:       now,
		}
		if err := tx.WithContext(ctx).Create(&refund).Error; err != nil {
			return err
		}

		invoice.Summary.AmountPaid = invoice.Summary.AmountPaid.Sub(input.Amount)
		invoice.Summary.AmountDue = invoice.Summary.AmountDue.Add(input.Amount)

		updates := map[string]interface{}{
			"summary_amount_paid": invoice.Summary.AmountPaid,
			"summary_amount_due":  invoice.Summary.AmountDue,
			"refund_reason":       input.Reason,
		}
		if invoice.Status == InvoiceStatusPaid {
			if err := ValidateStatusTransition(invoice.Status, InvoiceStatusRefunded); err != nil {
				return err
			}
			invoice.Status = InvoiceStatusRefunded
			updates["status"] = InvoiceStatusRefunded
		}
		if err := tx.WithContext(ctx).Model(&Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		invoice.RefundReason = input.Reason

		warnings, err := reconcileDependentOrders(tx, ctx, invoice, input.Reason)
		if err != nil {
			return err
		}
		result.Warnings = warnings

		for i := range invoice.Items {
			item := invoice.Items[i]
			if item.ExternalRef == "" {
				continue
			}
			if err := QueueSyncMessage(ctx, tx, clinicId, invoice.ID, item.ExternalRef, PaymentSyncStatusRefunded, now); err != nil {
				return err
			}
		}

		result.Invoice = invoice
		result.Refund = &refund
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reconcileDependentOrders applies the state-dependent reversal policy to
// every order spawned by the invoice:
//
//	Pending              -> Cancelled (nothing has happened yet)
//	Scheduled, Admitted  -> ReviewRequired (care may be underway; a person decides)
//	Completed            -> annotated only (the care happened; the record stands)
//
// Each order is handled independently: a failure on one is logged and the
// walk continues, so a single bad row cannot strand the reversal.
func reconcileDependentOrders(tx *gorm.DB, ctx context.Context, invoice *Invoice, reason string) ([]string, error) {
	orders, err := dependentOrders(tx, ctx, invoice.ID)
	if err != nil {
		return nil, err
	}

	logger := config.GetLogger()
	var warnings []string
	for _, order := range orders {
		var updateErr error
		switch order.Status {
		case ProcedureOrderStatusPending:
			updateErr = tx.WithContext(ctx).Model(&ProcedureOrder{}).
				Where("id = ?", order.ID).
				Updates(map[string]interface{}{
					"status": ProcedureOrderStatusCancelled,
					"note":   appendNote(order.Note, "cancelled: "+reason),
				}).Error
			if updateErr == nil {
				warnings = append(warnings, fmt.Sprintf("order %d cancelled", order.ID))
			}
		case ProcedureOrderStatusScheduled, ProcedureOrderStatusAdmitted:
			updateErr = tx.WithContext(ctx).Model(&ProcedureOrder{}).
				Where("id = ?", order.ID).
				Updates(map[string]interface{}{
					"status": ProcedureOrderStatusReviewRequired,
					"note":   appendNote(order.Note, "payment reversed, review required: "+reason),
				}).Error
			if updateErr == nil {
				warnings = append(warnings, fmt.Sprintf("order %d flagged for review", order.ID))
			}
		case ProcedureOrderStatusCompleted:
			updateErr = tx.WithContext(ctx).Model(&ProcedureOrder{}).
				Where("id = ?", order.ID).
				Update("note", appendNote(order.Note, "payment reversed after completion: "+reason)).Error
			if updateErr == nil {
				warnings = append(warnings, fmt.Sprintf("order %d already completed; annotated only", order.ID))
			}
		default:
			// Cancelled / ReviewRequired orders need no further action
		}
		if updateErr != nil {
			config.LogError(logger, "reversal", "reconcileDependentOrders",
				fmt.Sprintf("order %d", order.ID), nil, updateErr)
			warnings = append(warnings, fmt.Sprintf("order %d could not be updated", order.ID))
		}
	}
	return warnings, nil
}

func appendNote(existing, note string) string {
	stamp := time.Now().UTC().Format("2006-01-02 15:04")
	if existing == "" {
		return stamp + " " + note
	}
	return existing + "\n" + stamp + " " + note
}

func lockInvoice(tx *gorm.DB, ctx context.Context, clinicId string, invoiceId int) (*Invoice, error) {
	var invoice Invoice
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("clinic_id = ? AND id = ?", clinicId, invoiceId).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := tx.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Order("id").
		Find(&invoice.Items).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}
