package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/settlement"
	"github.com/mmdatafocus/clinic_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FeeCatalogEntry is one authoritative fee-schedule row.
// Read-only to the settlement engine.
type FeeCatalogEntry struct {
	ID         int              `gorm:"primary_key" json:"id"`
	ClinicId   string           `gorm:"index;not null" json:"clinic_id" binding:"required"`
	Code       string           `gorm:"size:100;index;not null" json:"code" binding:"required"`
	Price      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"price"`
	MinPrice   *decimal.Decimal `gorm:"type:decimal(20,4);default:null" json:"min_price"`
	MaxPrice   *decimal.Decimal `gorm:"type:decimal(20,4);default:null" json:"max_price"`
	ValidFrom  *time.Time       `json:"valid_from"`
	ValidUntil *time.Time       `json:"valid_until"`
	Active     *bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindFeeCatalogEntry resolves a code to the entry valid at asOf.
// Results are cached in redis per (clinic, code, day); the cache is a
// best-effort optimization, correctness never depends on it.
func FindFeeCatalogEntry(ctx context.Context, clinicId string, code string, asOf time.Time) (*FeeCatalogEntry, error) {
	code = utils.NormalizeCode(code)
	if code == "" {
		return nil, nil
	}

	redisKey := fmt.Sprintf("feeCatalog:%s:%s:%s", clinicId, code, asOf.Format("2006-01-02"))
	var cached FeeCatalogEntry
	exists, err := config.GetRedisObject(redisKey, &cached)
	if err == nil && exists {
		return &cached, nil
	}

	db := config.GetDB()
	var entry FeeCatalogEntry
	err = db.WithContext(ctx).
		Where("clinic_id = ? AND code = ? AND active = true", clinicId, code).
		Where("valid_from IS NULL OR valid_from <= ?", asOf).
		Where("valid_until IS NULL OR valid_until >= ?", asOf).
		Order("valid_from DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	_ = config.SetRedisObject(redisKey, &entry, time.Hour)
	return &entry, nil
}

// BuildCatalogLookup fetches the fee-schedule entries for all codes once and
// returns the pure lookup the price validator works with.
func BuildCatalogLookup(ctx context.Context, clinicId string, codes []string, asOf time.Time) (settlement.CatalogLookup, error) {
	entries := make(map[string]settlement.CatalogEntry, len(codes))
	for _, code := range utils.UniqueSlice(codes) {
		entry, err := FindFeeCatalogEntry(ctx, clinicId, code, asOf)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		entries[utils.NormalizeCode(code)] = settlement.CatalogEntry{
			Price:    entry.Price,
			MinPrice: entry.MinPrice,
			MaxPrice: entry.MaxPrice,
		}
	}
	return func(code string) (settlement.CatalogEntry, bool) {
		e, ok := entries[utils.NormalizeCode(code)]
		return e, ok
	}, nil
}
