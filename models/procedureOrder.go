package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProcedureOrder is the downstream work order created when a schedulable
// line (surgery, procedure, imaging) becomes fully paid.
type ProcedureOrder struct {
	ID        int    `gorm:"primary_key" json:"id"`
	ClinicId  string `gorm:"size:64;index;not null" json:"clinicId"`
	InvoiceId int    `gorm:"index;not null" json:"invoiceId"`
	// One order per line, enforced by the database: a second insert for the
	// same item fails and rolls the surrounding capture back.
	InvoiceItemId int                  `gorm:"uniqueIndex;not null" json:"invoiceItemId"`
	PatientId     int                  `gorm:"index;not null" json:"patientId"`
	Code          string               `gorm:"size:100" json:"code"`
	Description   string               `gorm:"size:255" json:"description"`
	Category      ServiceCategory      `gorm:"size:50;not null" json:"category"`
	Amount        decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Status        ProcedureOrderStatus `gorm:"size:20;not null;index" json:"status"`
	// Note is appended by the reversal coordinator when the financial basis
	// changes after completion.
	Note        string     `gorm:"type:text" json:"note,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// CreateProcedureOrdersForPaidLines creates one order per newly fully-paid
// schedulable line inside the caller's payment transaction. A line that
// already carries an order id is skipped, so re-running over the same lines
// is a no-op. A failure here fails the capture: order creation and payment
// recording commit or roll back together.
func CreateProcedureOrdersForPaidLines(tx *gorm.DB, ctx context.Context, invoice *Invoice, paidItems []*InvoiceItem) error {
	for _, item := range paidItems {
		if item.ProcedureOrderId != 0 {
			continue
		}
		if !IsSchedulableCategory(item.Category) {
			continue
		}
		order := ProcedureOrder{
			ClinicId:      invoice.ClinicId,
			InvoiceId:     invoice.ID,
			InvoiceItemId: item.ID,
			PatientId:     invoice.PatientId,
			Code:          item.Code,
			Description:   item.Description,
			Category:      item.Category,
			Amount:        item.Total,
			Status:        ProcedureOrderStatusPending,
		}
		if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
			return err
		}
		item.ProcedureOrderId = order.ID
		if err := tx.WithContext(ctx).Model(&InvoiceItem{}).
			Where("id = ?", item.ID).
			Update("procedure_order_id", order.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// dependentOrders loads every order created from an invoice's lines.
func dependentOrders(tx *gorm.DB, ctx context.Context, invoiceId int) ([]ProcedureOrder, error) {
	var orders []ProcedureOrder
	err := tx.WithContext(ctx).
		Where("invoice_id = ?", invoiceId).
		Find(&orders).Error
	return orders, err
}
