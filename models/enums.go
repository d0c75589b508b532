package models

import (
	"errors"

	"github.com/mmdatafocus/clinic_backend/settlement"
	"github.com/mmdatafocus/clinic_backend/utils"
)

// ServiceCategory is shared with the settlement pipeline.
type ServiceCategory = settlement.Category

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "Draft"
	InvoiceStatusIssued    InvoiceStatus = "Issued"
	InvoiceStatusSent      InvoiceStatus = "Sent"
	InvoiceStatusViewed    InvoiceStatus = "Viewed"
	InvoiceStatusPartial   InvoiceStatus = "Partial"
	InvoiceStatusPaid      InvoiceStatus = "Paid"
	InvoiceStatusCancelled InvoiceStatus = "Cancelled"
	InvoiceStatusRefunded  InvoiceStatus = "Refunded"
	InvoiceStatusVoided    InvoiceStatus = "Voided"
)

// invoiceStatusTransitions is the single source of truth for the status
// machine. No transition moves status backward except the refund edge.
var invoiceStatusTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:     {InvoiceStatusIssued, InvoiceStatusCancelled, InvoiceStatusVoided},
	InvoiceStatusIssued:    {InvoiceStatusSent, InvoiceStatusViewed, InvoiceStatusPartial, InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusSent:      {InvoiceStatusViewed, InvoiceStatusPartial, InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusViewed:    {InvoiceStatusPartial, InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusPartial:   {InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusPaid:      {InvoiceStatusRefunded},
	InvoiceStatusCancelled: {InvoiceStatusVoided},
	InvoiceStatusRefunded:  {},
	InvoiceStatusVoided:    {},
}

func ValidateStatusTransition(from, to InvoiceStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range invoiceStatusTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return utils.NewBusinessRuleError("invalid status transition",
		string(from)+" cannot move to "+string(to))
}

// IsTerminal reports whether invoice items are immutable outside controlled
// reversal operations.
func (s InvoiceStatus) IsTerminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusCancelled, InvoiceStatusRefunded, InvoiceStatusVoided:
		return true
	}
	return false
}

func (s InvoiceStatus) Validate() error {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusIssued, InvoiceStatusSent, InvoiceStatusViewed,
		InvoiceStatusPartial, InvoiceStatusPaid, InvoiceStatusCancelled, InvoiceStatusRefunded, InvoiceStatusVoided:
		return nil
	}
	return errors.New("invalid invoice status")
}

type ApprovalStatus string

const (
	ApprovalStatusApproved ApprovalStatus = "Approved"
	ApprovalStatusPending  ApprovalStatus = "Pending"
	ApprovalStatusRejected ApprovalStatus = "Rejected"
)

type PaymentKind string

const (
	PaymentKindCapture PaymentKind = "Capture"
	PaymentKindRefund  PaymentKind = "Refund"
)

type ProcedureOrderStatus string

const (
	ProcedureOrderStatusPending        ProcedureOrderStatus = "Pending"
	ProcedureOrderStatusScheduled      ProcedureOrderStatus = "Scheduled"
	ProcedureOrderStatusAdmitted       ProcedureOrderStatus = "Admitted"
	ProcedureOrderStatusCompleted      ProcedureOrderStatus = "Completed"
	ProcedureOrderStatusCancelled      ProcedureOrderStatus = "Cancelled"
	ProcedureOrderStatusReviewRequired ProcedureOrderStatus = "ReviewRequired"
)

type PaymentSyncStatus string

const (
	PaymentSyncStatusUnpaid   PaymentSyncStatus = "Unpaid"
	PaymentSyncStatusPartial  PaymentSyncStatus = "Partial"
	PaymentSyncStatusPaid     PaymentSyncStatus = "Paid"
	PaymentSyncStatusRefunded PaymentSyncStatus = "Refunded"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// schedulableCategories are line categories that spawn a dependent
// procedure order once the line is fully paid.
var schedulableCategories = map[ServiceCategory]bool{
	settlement.CategorySurgery:   true,
	settlement.CategoryProcedure: true,
	settlement.CategoryImaging:   true,
}

func IsSchedulableCategory(c ServiceCategory) bool {
	return schedulableCategories[c]
}
