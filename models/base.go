package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Clinic is the tenant. Every engine row carries its id.
type Clinic struct {
	ID             string    `gorm:"primary_key;size:64" json:"id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	InvoicePrefix  string    `gorm:"size:20;default:INV-" json:"invoice_prefix"`
	BaseCurrencyId int       `gorm:"default:0" json:"base_currency_id"`
	Timezone       string    `gorm:"size:64;default:null" json:"timezone"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetClinicById(ctx context.Context, clinicId string) (*Clinic, error) {
	redisKey := "clinic:" + clinicId
	var cached Clinic
	exists, err := config.GetRedisObject(redisKey, &cached)
	if err == nil && exists && cached.ID != "" {
		return &cached, nil
	}

	db := config.GetDB()
	var clinic Clinic
	if err := db.WithContext(ctx).Where("id = ?", clinicId).First(&clinic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = config.SetRedisObject(redisKey, &clinic, time.Hour)
	return &clinic, nil
}

// DocumentSequence hands out per-clinic, per-module sequence numbers.
type DocumentSequence struct {
	ID         int    `gorm:"primary_key" json:"id"`
	ClinicId   string `gorm:"size:64;not null;index:uniq_seq,unique" json:"clinic_id"`
	ModuleName string `gorm:"size:50;not null;index:uniq_seq,unique" json:"module_name"`
	LastValue  int64  `gorm:"not null;default:0" json:"last_value"`
}

// nextSequence increments and returns the sequence inside the caller's
// transaction. The row lock serializes concurrent number generation.
func nextSequence(tx *gorm.DB, ctx context.Context, clinicId string, moduleName string) (int64, error) {
	var seq DocumentSequence
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("clinic_id = ? AND module_name = ?", clinicId, moduleName).
		First(&seq).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
		seq = DocumentSequence{ClinicId: clinicId, ModuleName: moduleName, LastValue: 0}
		if err := tx.WithContext(ctx).Create(&seq).Error; err != nil {
			return 0, err
		}
	}
	seq.LastValue++
	if err := tx.WithContext(ctx).Model(&DocumentSequence{}).
		Where("id = ?", seq.ID).
		Update("last_value", seq.LastValue).Error; err != nil {
		return 0, err
	}
	return seq.LastValue, nil
}

func nextInvoiceNumber(tx *gorm.DB, ctx context.Context, clinic *Clinic) (string, int64, error) {
	seqNo, err := nextSequence(tx, ctx, clinic.ID, "Invoice")
	if err != nil {
		return "", 0, err
	}
	prefix := clinic.InvoicePrefix
	if prefix == "" {
		prefix = "INV-"
	}
	return prefix + fmt.Sprint(seqNo), seqNo, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
