package models

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type IdempotencyStatus string

// A failed attempt rolls the STARTED row back with its transaction, so only
// two states ever persist: in-flight and done.
const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// IdempotencyKey provides durable, DB-backed idempotency for money-moving
// operations. Unique constraint: (clinic_id, operation_name, request_key).
type IdempotencyKey struct {
	ID            int               `gorm:"primary_key" json:"id"`
	ClinicId      string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"clinic_id"`
	OperationName string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"operation_name"`
	RequestKey    string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"request_key"`
	Status        IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	// ResultPaymentId lets a duplicate capture return the original payment
	// instead of recording a second one.
	ResultPaymentId int       `gorm:"default:0" json:"result_payment_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns the row and
// done=true meaning "return the recorded result, do not process again".
func BeginIdempotency(tx *gorm.DB, clinicId, operationName, requestKey string) (existing *IdempotencyKey, done bool, err error) {
	key := IdempotencyKey{
		ClinicId:      clinicId,
		OperationName: operationName,
		RequestKey:    requestKey,
		Status:        IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return nil, false, nil
	} else if !isDuplicateKeyErr(err) {
		return nil, false, err
	}

	var row IdempotencyKey
	if err := tx.Where("clinic_id = ? AND operation_name = ? AND request_key = ?", clinicId, operationName, requestKey).
		First(&row).Error; err != nil {
		return nil, false, err
	}

	switch row.Status {
	case IdempotencyStatusSucceeded:
		return &row, true, nil
	case IdempotencyStatusStarted:
		// Another request is mid-flight; a stale claim is retried by reusing
		// the same row.
		if time.Since(row.UpdatedAt) < 5*time.Minute {
			return nil, false, ErrIdempotencyInProgress
		}
		fallthrough
	default:
		return nil, false, tx.Model(&IdempotencyKey{}).
			Where("id = ?", row.ID).
			Update("status", IdempotencyStatusStarted).Error
	}
}

func MarkIdempotencySucceeded(tx *gorm.DB, clinicId, operationName, requestKey string, resultPaymentId int) error {
	return tx.Model(&IdempotencyKey{}).
		Where("clinic_id = ? AND operation_name = ? AND request_key = ?", clinicId, operationName, requestKey).
		Updates(map[string]interface{}{
			"status":            IdempotencyStatusSucceeded,
			"result_payment_id": resultPaymentId,
		}).Error
}
