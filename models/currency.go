package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Currency struct {
	ID        int       `gorm:"primary_key" json:"id"`
	ClinicId  string    `gorm:"index;not null" json:"clinic_id" binding:"required"`
	Code      string    `gorm:"size:10;not null" json:"code" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	IsBase    *bool     `gorm:"not null;default:false" json:"is_base"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CurrencyExchange is a dated rate into the clinic's base currency.
type CurrencyExchange struct {
	ID         int             `gorm:"primary_key" json:"id"`
	ClinicId   string          `gorm:"index;not null" json:"clinic_id"`
	CurrencyId int             `gorm:"index;not null" json:"currency_id"`
	Rate       decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"rate"`
	RateDate   time.Time       `gorm:"index;not null" json:"rate_date"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// rateToBase returns the most recent rate at or before asOf.
func rateToBase(ctx context.Context, currencyId int, asOf time.Time) (decimal.Decimal, error) {
	db := config.GetDB()
	var exchange CurrencyExchange
	err := db.WithContext(ctx).
		Where("currency_id = ? AND rate_date <= ?", currencyId, asOf).
		Order("rate_date DESC").
		First(&exchange).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("no exchange rate for currency %d", currencyId)
		}
		return decimal.Zero, err
	}
	if !exchange.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid exchange rate for currency %d", currencyId)
	}
	return exchange.Rate, nil
}

// ConvertAmount converts via the base currency using rates as of asOf.
// One capture request resolves its rate once and reuses it, so the rate is
// stable for the duration of the capture.
func ConvertAmount(ctx context.Context, amount decimal.Decimal, fromCurrencyId, toCurrencyId int, asOf time.Time) (decimal.Decimal, error) {
	if fromCurrencyId == toCurrencyId || fromCurrencyId == 0 || toCurrencyId == 0 {
		return amount, nil
	}
	fromRate, err := rateToBase(ctx, fromCurrencyId, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := rateToBase(ctx, toCurrencyId, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(fromRate).Div(toRate).Round(4), nil
}
