package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/utils"
	"gorm.io/gorm"
)

// SyncMessageRecord implements the transactional outbox for sibling
// payment-status propagation: the row is written inside the payment
// transaction, publishing happens asynchronously after commit.
type SyncMessageRecord struct {
	ID            int               `gorm:"primary_key" json:"id"`
	ClinicId      string            `gorm:"size:64;index;not null" json:"clinic_id"`
	InvoiceId     int               `gorm:"index;not null" json:"invoice_id"`
	ReferenceType string            `gorm:"size:100;not null" json:"reference_type"`
	ReferenceId   string            `gorm:"size:100;not null" json:"reference_id"`
	PaymentStatus PaymentSyncStatus `gorm:"size:20;not null" json:"payment_status"`
	OccurredAt    time.Time         `gorm:"not null" json:"occurred_at"`
	CorrelationId string            `gorm:"size:64" json:"correlation_id"`

	IsProcessed      bool       `gorm:"default:false;index" json:"is_processed"`
	PublishStatus    string     `gorm:"size:20;not null;default:PENDING;index" json:"publish_status"`
	PublishAttempts  int        `gorm:"default:0" json:"publish_attempts"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:100" json:"pub_sub_message_id"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// QueueSyncMessage records one sibling status update inside the caller's
// transaction. Lines without a well-formed "Type:Id" tag are skipped.
func QueueSyncMessage(ctx context.Context, tx *gorm.DB, clinicId string, invoiceId int, externalRef string, status PaymentSyncStatus, occurredAt time.Time) error {
	refType, refId, ok := utils.SplitExternalRef(externalRef)
	if !ok {
		return nil
	}
	record := SyncMessageRecord{
		ClinicId:      clinicId,
		InvoiceId:     invoiceId,
		ReferenceType: refType,
		ReferenceId:   refId,
		PaymentStatus: status,
		OccurredAt:    occurredAt,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.WithContext(ctx).Create(&record).Error
}

// ToSyncMessage converts an outbox row to the wire payload.
func (r SyncMessageRecord) ToSyncMessage() config.SyncMessage {
	return config.SyncMessage{
		ID:            r.ID,
		ClinicId:      r.ClinicId,
		InvoiceId:     r.InvoiceId,
		ReferenceType: r.ReferenceType,
		ReferenceId:   r.ReferenceId,
		PaymentStatus: string(r.PaymentStatus),
		OccurredAt:    r.OccurredAt,
		CorrelationId: r.CorrelationId,
	}
}
