package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/settlement"
	"github.com/mmdatafocus/clinic_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Company is a payer convention: a third party covering a percentage of a
// patient's invoice. Reference data, never mutated by the settlement engine.
type Company struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	ClinicId           string          `gorm:"index;not null" json:"clinic_id" binding:"required"`
	Name               string          `gorm:"size:255;not null" json:"name" binding:"required"`
	CoveragePercentage decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"coverage_percentage"`
	MaxPerVisit        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"max_per_visit"`
	Active             *bool           `gorm:"not null;default:true" json:"active"`

	// approval rules
	AutoApproveUnderAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"auto_approve_under_amount"`
	AutoApproveUnderCurrencyId int             `gorm:"default:0" json:"auto_approve_under_currency_id"`
	GlobalDiscountPercentage   decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"global_discount_percentage"`
	// comma-separated category lists; parsed into typed sets per run
	GlobalDiscountExcludeCategories string `gorm:"size:512;default:null" json:"global_discount_exclude_categories"`
	RequiresMedicalReportCategories string `gorm:"size:512;default:null" json:"requires_medical_report_categories"`

	CategorySettings []CompanyCategorySetting `gorm:"foreignKey:CompanyId" json:"category_settings"`
	ApprovalActs     []CompanyApprovalAct     `gorm:"foreignKey:CompanyId" json:"approval_acts"`
	PackageDeals     []PackageDeal            `gorm:"foreignKey:CompanyId" json:"package_deals"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CompanyCategorySetting is a per-category coverage override.
// One row per (company, category).
type CompanyCategorySetting struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	CompanyId          int              `gorm:"index:uniq_company_category,unique;not null" json:"company_id"`
	Category           ServiceCategory  `gorm:"size:50;index:uniq_company_category,unique;not null" json:"category"`
	Percentage         *decimal.Decimal `gorm:"type:decimal(5,2);default:null" json:"percentage"`
	NotCovered         bool             `gorm:"default:false" json:"not_covered"`
	RequiresApproval   bool             `gorm:"default:false" json:"requires_approval"`
	MaxPerCategory     *decimal.Decimal `gorm:"type:decimal(20,4);default:null" json:"max_per_category"`
	AdditionalDiscount decimal.Decimal  `gorm:"type:decimal(5,2);default:0" json:"additional_discount"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// CompanyApprovalAct marks one act code as needing prior approval.
type CompanyApprovalAct struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CompanyId int       `gorm:"index;not null" json:"company_id"`
	ActCode   string    `gorm:"size:100;not null" json:"act_code"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PackageDeal is a fixed-price bundle substituting for a set of billed acts.
type PackageDeal struct {
	ID         int              `gorm:"primary_key" json:"id"`
	CompanyId  int              `gorm:"index;not null" json:"company_id"`
	Code       string           `gorm:"size:100;not null" json:"code"`
	Name       string           `gorm:"size:255;not null" json:"name"`
	Price      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"price"`
	CurrencyId int              `gorm:"default:0" json:"currency_id"`
	Active     *bool            `gorm:"not null;default:true" json:"active"`
	Acts       []PackageDealAct `gorm:"foreignKey:PackageDealId" json:"acts"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type PackageDealAct struct {
	ID            int    `gorm:"primary_key" json:"id"`
	PackageDealId int    `gorm:"index;not null" json:"package_deal_id"`
	ActCode       string `gorm:"size:100;not null" json:"act_code"`
}

// PatientConvention is a patient's per-payer coverage override.
type PatientConvention struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	ClinicId           string           `gorm:"index;not null" json:"clinic_id"`
	PatientId          int              `gorm:"index:uniq_patient_company,unique;not null" json:"patient_id"`
	CompanyId          int              `gorm:"index:uniq_patient_company,unique;not null" json:"company_id"`
	CoveragePercentage *decimal.Decimal `gorm:"type:decimal(5,2);default:null" json:"coverage_percentage"`
	Active             *bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetCompany(ctx context.Context, clinicId string, companyId int) (*Company, error) {
	db := config.GetDB()
	var company Company
	err := db.WithContext(ctx).
		Preload("CategorySettings").
		Preload("ApprovalActs").
		Preload("PackageDeals").
		Preload("PackageDeals.Acts").
		Where("clinic_id = ? AND id = ?", clinicId, companyId).
		First(&company).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &company, nil
}

// BuildCompanyProfile compiles the stored convention into the typed lookup
// tables the resolver works with. Built once per settlement run.
//
// Base coverage precedence: the convention snapshot discount on the invoice,
// then the patient's per-convention override, then the company default.
// The auto-approve threshold is converted into the invoice currency here so
// the resolver itself stays currency-unaware.
func BuildCompanyProfile(ctx context.Context, company *Company, patientId int, snapshotPct *decimal.Decimal, invoiceCurrencyId int, asOf time.Time) (settlement.CompanyProfile, error) {
	profile := settlement.CompanyProfile{
		CompanyId:    company.ID,
		Percentage:   company.CoveragePercentage,
		Categories:   make(map[ServiceCategory]settlement.CategorySetting, len(company.CategorySettings)),
		ApprovalActs: make(map[string]bool, len(company.ApprovalActs)),
	}

	if snapshotPct != nil {
		profile.Percentage = *snapshotPct
	} else if patientId > 0 {
		override, err := findPatientConventionOverride(ctx, company.ClinicId, patientId, company.ID)
		if err != nil {
			return profile, err
		}
		if override != nil {
			profile.Percentage = *override
		}
	}

	if company.MaxPerVisit.IsPositive() {
		visitCap := company.MaxPerVisit
		profile.MaxPerVisit = &visitCap
	}

	for _, cs := range company.CategorySettings {
		profile.Categories[cs.Category] = settlement.CategorySetting{
			Percentage:         cs.Percentage,
			NotCovered:         cs.NotCovered,
			RequiresApproval:   cs.RequiresApproval,
			MaxPerCategory:     cs.MaxPerCategory,
			AdditionalDiscount: cs.AdditionalDiscount,
		}
	}

	for _, act := range company.ApprovalActs {
		if code := utils.NormalizeCode(act.ActCode); code != "" {
			profile.ApprovalActs[code] = true
		}
	}

	threshold := company.AutoApproveUnderAmount
	if threshold.IsPositive() && company.AutoApproveUnderCurrencyId > 0 && company.AutoApproveUnderCurrencyId != invoiceCurrencyId {
		converted, err := ConvertAmount(ctx, threshold, company.AutoApproveUnderCurrencyId, invoiceCurrencyId, asOf)
		if err != nil {
			return profile, err
		}
		threshold = converted
	}
	profile.Rules = settlement.ApprovalRules{
		AutoApproveUnderAmount:   threshold,
		GlobalDiscountPercentage: company.GlobalDiscountPercentage,
		GlobalDiscountExclude:    parseCategorySet(company.GlobalDiscountExcludeCategories),
		RequiresMedicalReport:    parseCategorySet(company.RequiresMedicalReportCategories),
	}

	for _, deal := range company.PackageDeals {
		acts := make([]string, 0, len(deal.Acts))
		for _, a := range deal.Acts {
			acts = append(acts, a.ActCode)
		}
		// Package prices may be agreed in the payer's currency; the bundler
		// works in the invoice currency, so convert here like the threshold.
		price := deal.Price
		if deal.CurrencyId > 0 && deal.CurrencyId != invoiceCurrencyId {
			converted, err := ConvertAmount(ctx, deal.Price, deal.CurrencyId, invoiceCurrencyId, asOf)
			if err != nil {
				return profile, err
			}
			price = converted
		}
		profile.Packages = append(profile.Packages, settlement.PackageDeal{
			Code:         deal.Code,
			Name:         deal.Name,
			Price:        price,
			IncludedActs: acts,
			Active:       deal.Active == nil || *deal.Active,
		})
	}

	return profile, nil
}

func findPatientConventionOverride(ctx context.Context, clinicId string, patientId, companyId int) (*decimal.Decimal, error) {
	db := config.GetDB()
	var pc PatientConvention
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND patient_id = ? AND company_id = ? AND active = true", clinicId, patientId, companyId).
		First(&pc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return pc.CoveragePercentage, nil
}

func parseCategorySet(csv string) map[ServiceCategory]bool {
	out := make(map[ServiceCategory]bool)
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out[ServiceCategory(part)] = true
	}
	return out
}
