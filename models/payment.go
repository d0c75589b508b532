package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const capturePaymentOperation = "CapturePayment"

// InvoicePayment is one money movement against an invoice. Refunds are
// negative-direction rows with Kind=Refund; Amount is always positive and
// always in the invoice currency.
type InvoicePayment struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ClinicId  string          `gorm:"size:64;index;not null" json:"clinicId"`
	InvoiceId int             `gorm:"index;not null" json:"invoiceId"`
	Kind      PaymentKind     `gorm:"size:20;not null" json:"kind"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`

	// Tendered amount before conversion, with the rate used. The rate is
	// resolved once per capture and reused, so one request sees one rate.
	OriginalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"originalAmount"`
	OriginalCurrencyId int             `gorm:"default:0" json:"originalCurrencyId"`
	ExchangeRate       decimal.Decimal `gorm:"type:decimal(20,6);default:1" json:"exchangeRate"`

	Method    string    `gorm:"size:50" json:"method"`
	Reference string    `gorm:"size:255" json:"reference,omitempty"`
	Notes     string    `gorm:"type:text" json:"notes,omitempty"`
	PaidAt    time.Time `gorm:"not null" json:"paidAt"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

type NewPayment struct {
	InvoiceId      int             `json:"invoiceId" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	CurrencyId     int             `json:"currencyId"`
	Method         string          `json:"method" binding:"required"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	PaidAt         time.Time       `json:"paidAt"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// PaymentResult is what a capture returns; Duplicate marks a replayed
// request whose original effect is being returned unchanged.
type PaymentResult struct {
	Invoice   *Invoice        `json:"invoice"`
	Payment   *InvoicePayment `json:"payment"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// capturableStatuses are the invoice states that accept a payment.
var capturableStatuses = map[InvoiceStatus]bool{
	InvoiceStatusIssued:  true,
	InvoiceStatusSent:    true,
	InvoiceStatusViewed:  true,
	InvoiceStatusPartial: true,
}

// patientPayable is the portion of an item the patient settles directly.
// On convention invoices the payer's share is billed to the company, so
// captures only ever allocate against the patient share.
func patientPayable(invoice *Invoice, item *InvoiceItem) decimal.Decimal {
	if invoice.IsConventionInvoice {
		return item.PatientShare
	}
	return item.Total
}

// CapturePayment records a payment against an invoice: validates the amount,
// converts it to the invoice currency once, appends the payment row, rolls
// the paid/due totals forward, allocates across line items in order, and
// creates procedure orders plus sibling sync messages for lines that became
// fully paid — all in one transaction.
//
// A redis lock narrows the concurrency window; correctness comes from the
// FOR UPDATE reload plus the bounded tx retry, not from the lock.
func CapturePayment(ctx context.Context, input *NewPayment) (*PaymentResult, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, utils.NewValidationError("clinicId", "clinic id is required")
	}
	if !input.Amount.IsPositive() {
		return nil, utils.NewValidationError("amount", "payment amount must be positive")
	}
	if input.PaidAt.IsZero() {
		input.PaidAt = time.Now().UTC()
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, invoiceLockKey(clinicId, input.InvoiceId), 10*time.Second, nil)
		if err == nil {
			defer lock.Release(context.Background())
		} else if !errors.Is(err, redislock.ErrNotObtained) {
			// redis being down never blocks a capture
			config.LogError(config.GetLogger(), "payment", "CapturePayment", "obtain redis lock", nil, err)
		}
	}

	result := &PaymentResult{}
	db := config.GetDB()
	err := utils.RunInTxWithRetry(ctx, db, "capture payment", func(tx *gorm.DB) error {
		if input.IdempotencyKey != "" {
			existing, done, err := BeginIdempotency(tx, clinicId, capturePaymentOperation, input.IdempotencyKey)
			if err != nil {
				return err
			}
			if done {
				return loadReplayedPayment(tx, ctx, clinicId, existing.ResultPaymentId, result)
			}
		}

		invoice, err := lockInvoice(tx, ctx, clinicId, input.InvoiceId)
		if err != nil {
			return err
		}

		if !capturableStatuses[invoice.Status] {
			return utils.NewBusinessRuleError("invoice not payable",
				"cannot capture a payment on a "+string(invoice.Status)+" invoice")
		}

		amount, rate, err := toInvoiceCurrency(ctx, input.Amount, input.CurrencyId, invoice.CurrencyId, input.PaidAt)
		if err != nil {
			return err
		}
		if amount.GreaterThan(invoice.Summary.AmountDue) {
			return utils.NewBusinessRuleError("payment exceeds amount due",
				"payment of "+amount.String()+" exceeds the outstanding balance of "+invoice.Summary.AmountDue.String())
		}

		payment := InvoicePayment{
			ClinicId:           clinicId,
			InvoiceId:          invoice.ID,
			Kind:               PaymentKindCapture,
			Amount:             amount,
			OriginalAmount:     input.Amount,
			OriginalCurrencyId: input.CurrencyId,
			ExchangeRate:       rate,
			Method:             input.Method,
			Reference:          input.Reference,
			Notes:              input.Notes,
			PaidAt:             input.PaidAt,
		}
		if err := tx.WithContext(ctx).Create(&payment).Error; err != nil {
			return err
		}

		invoice.Summary.AmountPaid = invoice.Summary.AmountPaid.Add(amount)
		invoice.Summary.AmountDue = invoice.Summary.AmountDue.Sub(amount)

		nextStatus := InvoiceStatusPartial
		if invoice.Summary.AmountDue.IsZero() {
			nextStatus = InvoiceStatusPaid
		}
		if err := ValidateStatusTransition(invoice.Status, nextStatus); err != nil {
			return err
		}

		newlyPaid, touched, err := allocatePayment(tx, ctx, invoice, amount)
		if err != nil {
			return err
		}

		// dependent orders are part of the capture: a failure here rolls the
		// whole payment back
		if err := CreateProcedureOrdersForPaidLines(tx, ctx, invoice, newlyPaid); err != nil {
			return err
		}

		for _, item := range touched {
			if item.ExternalRef == "" {
				continue
			}
			status := PaymentSyncStatusPartial
			if item.PaidAmount.GreaterThanOrEqual(patientPayable(invoice, item)) {
				status = PaymentSyncStatusPaid
			}
			if err := QueueSyncMessage(ctx, tx, clinicId, invoice.ID, item.ExternalRef, status, input.PaidAt); err != nil {
				return err
			}
		}

		invoice.Status = nextStatus
		if err := tx.WithContext(ctx).Model(&Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]interface{}{
				"status":              nextStatus,
				"summary_amount_paid": invoice.Summary.AmountPaid,
				"summary_amount_due":  invoice.Summary.AmountDue,
			}).Error; err != nil {
			return err
		}

		if input.IdempotencyKey != "" {
			if err := MarkIdempotencySucceeded(tx, clinicId, capturePaymentOperation, input.IdempotencyKey, payment.ID); err != nil {
				return err
			}
		}

		result.Invoice = invoice
		result.Payment = &payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// allocatePayment distributes amount across items in line order against the
// patient-payable remainder of each. Returns the items that became fully
// paid by this capture and every item the allocation touched.
func allocatePayment(tx *gorm.DB, ctx context.Context, invoice *Invoice, amount decimal.Decimal) (newlyPaid, touched []*InvoiceItem, err error) {
	remaining := amount
	for i := range invoice.Items {
		if !remaining.IsPositive() {
			break
		}
		item := &invoice.Items[i]
		payable := patientPayable(invoice, item)
		open := payable.Sub(item.PaidAmount)
		if !open.IsPositive() {
			continue
		}
		applied := utils.MinDecimal(open, remaining)
		item.PaidAmount = item.PaidAmount.Add(applied)
		remaining = remaining.Sub(applied)
		touched = append(touched, item)
		if item.PaidAmount.GreaterThanOrEqual(payable) {
			newlyPaid = append(newlyPaid, item)
		}
		if err := tx.WithContext(ctx).Model(&InvoiceItem{}).
			Where("id = ?", item.ID).
			Update("paid_amount", item.PaidAmount).Error; err != nil {
			return nil, nil, err
		}
	}
	return newlyPaid, touched, nil
}

// toInvoiceCurrency converts a tendered amount into the invoice currency
// using a rate resolved once, as of the payment time.
func toInvoiceCurrency(ctx context.Context, amount decimal.Decimal, fromCurrencyId, toCurrencyId int, asOf time.Time) (decimal.Decimal, decimal.Decimal, error) {
	if fromCurrencyId == 0 || fromCurrencyId == toCurrencyId {
		return amount, decimal.NewFromInt(1), nil
	}
	converted, err := ConvertAmount(ctx, amount, fromCurrencyId, toCurrencyId, asOf)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !amount.IsZero() {
		return converted, converted.Div(amount).Round(6), nil
	}
	return converted, decimal.NewFromInt(1), nil
}

// loadReplayedPayment fills result from the effect recorded for a duplicate
// idempotency key. The original capture stands; nothing is re-applied.
func loadReplayedPayment(tx *gorm.DB, ctx context.Context, clinicId string, paymentId int, result *PaymentResult) error {
	if paymentId == 0 {
		return utils.NewBusinessRuleError("duplicate request",
			"this idempotency key was already used by a request with no recorded payment")
	}
	var payment InvoicePayment
	if err := tx.WithContext(ctx).Where("clinic_id = ? AND id = ?", clinicId, paymentId).First(&payment).Error; err != nil {
		return err
	}
	var invoice Invoice
	if err := tx.WithContext(ctx).
		Preload("Items").
		Preload("Payments").
		Where("clinic_id = ? AND id = ?", clinicId, payment.InvoiceId).
		First(&invoice).Error; err != nil {
		return err
	}
	result.Invoice = &invoice
	result.Payment = &payment
	result.Duplicate = true
	return nil
}

func invoiceLockKey(clinicId string, invoiceId int) string {
	return "invoice-lock:" + clinicId + ":" + strconv.Itoa(invoiceId)
}
