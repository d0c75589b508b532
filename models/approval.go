package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/settlement"
	"github.com/mmdatafocus/clinic_backend/utils"
	"gorm.io/gorm"
)

// Approval is a pre-authorization gating payer coverage for one
// (patient, company, act code) triple. Created outside this engine;
// consumed (used count incremented) when an invoice settles against it.
type Approval struct {
	ID               int            `gorm:"primary_key" json:"id"`
	ClinicId         string         `gorm:"index;not null" json:"clinic_id" binding:"required"`
	PatientId        int            `gorm:"index;not null" json:"patient_id" binding:"required"`
	CompanyId        int            `gorm:"index;not null" json:"company_id" binding:"required"`
	ActCode          string         `gorm:"size:100;not null" json:"act_code" binding:"required"`
	Status           ApprovalStatus `gorm:"size:20;not null" json:"status"`
	ValidFrom        *time.Time     `json:"valid_from"`
	ValidUntil       *time.Time     `json:"valid_until"`
	QuantityApproved int            `gorm:"default:0" json:"quantity_approved"`
	UsedCount        int            `gorm:"default:0" json:"used_count"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindValidApproval returns the approval usable right now for the triple, or
// nil: status must be Approved, the date window must contain now, and the
// approved quantity must not be exhausted.
func FindValidApproval(ctx context.Context, clinicId string, patientId, companyId int, actCode string) (*Approval, error) {
	code := utils.NormalizeCode(actCode)
	if code == "" {
		return nil, nil
	}

	db := config.GetDB()
	now := time.Now().UTC()
	var approval Approval
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND patient_id = ? AND company_id = ? AND UPPER(act_code) = ?", clinicId, patientId, companyId, code).
		Where("status = ?", ApprovalStatusApproved).
		Where("valid_from IS NULL OR valid_from <= ?", now).
		Where("valid_until IS NULL OR valid_until >= ?", now).
		Order("id ASC").
		First(&approval).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if approval.QuantityApproved > 0 && approval.UsedCount >= approval.QuantityApproved {
		return nil, nil
	}
	return &approval, nil
}

// approvalLookupWithBudget turns the per-code approval snapshot into the
// resolver's lookup, debiting the remaining quantity on every hit. Two lines
// sharing one code cannot overdraw a quantity-limited approval within a
// single settlement run: the second lookup fails once the budget is spent.
// A zero QuantityApproved means unlimited.
func approvalLookupWithBudget(byCode map[string]*Approval) settlement.ApprovalLookup {
	remaining := make(map[string]int, len(byCode))
	for code, approval := range byCode {
		if approval == nil {
			continue
		}
		if approval.QuantityApproved > 0 {
			remaining[code] = approval.QuantityApproved - approval.UsedCount
		} else {
			remaining[code] = -1
		}
	}
	return func(code string) bool {
		code = utils.NormalizeCode(code)
		left, ok := remaining[code]
		if !ok || left == 0 {
			return false
		}
		if left > 0 {
			remaining[code] = left - 1
		}
		return true
	}
}

// ConsumeApproval increments used_count. Called exactly once per settled
// approved line, inside the settlement transaction.
func ConsumeApproval(tx *gorm.DB, ctx context.Context, approvalId int) error {
	res := tx.WithContext(ctx).Model(&Approval{}).
		Where("id = ?", approvalId).
		Update("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("approval not found")
	}
	return nil
}
