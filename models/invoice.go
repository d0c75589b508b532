package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/settlement"
	"github.com/mmdatafocus/clinic_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceSummary is the rolled-up money view of an invoice. Field names and
// nesting are the wire contract for reporting/export consumers.
type InvoiceSummary struct {
	Subtotal      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	DiscountTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discountTotal"`
	TaxTotal      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"taxTotal"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	AmountPaid    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amountPaid"`
	AmountDue     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amountDue"`
	CompanyShare  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"companyShare"`
	PatientShare  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"patientShare"`
}

type Invoice struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ClinicId      string          `gorm:"size:64;index;not null" json:"clinicId" binding:"required"`
	PatientId     int             `gorm:"index;not null" json:"patientId" binding:"required"`
	VisitId       int             `gorm:"index;default:null" json:"visitId"`
	InvoiceNumber string          `gorm:"size:255;not null" json:"invoiceNumber"`
	SequenceNo    int64           `gorm:"not null" json:"sequenceNo"`
	InvoiceDate   time.Time       `gorm:"not null" json:"invoiceDate"`
	CurrencyId    int             `gorm:"not null" json:"currencyId"`
	ExchangeRate  decimal.Decimal `gorm:"type:decimal(20,6);default:1" json:"exchangeRate"`
	Status        InvoiceStatus   `gorm:"size:20;not null;index" json:"status"`

	Items    []InvoiceItem    `gorm:"foreignKey:InvoiceId" json:"items"`
	Payments []InvoicePayment `gorm:"foreignKey:InvoiceId" json:"payments"`
	Summary  InvoiceSummary   `gorm:"embedded;embeddedPrefix:summary_" json:"summary"`

	IsConventionInvoice bool            `gorm:"default:false" json:"isConventionInvoice"`
	CompanyBilling      *CompanyBilling `gorm:"foreignKey:InvoiceId" json:"companyBilling,omitempty"`

	CancelReason string    `gorm:"type:text;default:null" json:"cancelReason,omitempty"`
	RefundReason string    `gorm:"type:text;default:null" json:"refundReason,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

type InvoiceItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	InvoiceId   int             `gorm:"index;not null" json:"invoiceId"`
	Code        string          `gorm:"size:100;default:null" json:"code"`
	Description string          `gorm:"size:255;default:null" json:"description"`
	Category    ServiceCategory `gorm:"size:50;not null" json:"category"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unitPrice"`
	Discount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Tax         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	Subtotal    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	Total       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`

	// payer coverage annotations, present on convention invoices
	CompanyShare       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"companyShare"`
	PatientShare       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"patientShare"`
	CoveragePercentage decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"coveragePercentage"`
	RequiresApproval   bool            `gorm:"default:false" json:"requiresApproval"`
	HasApproval        bool            `gorm:"default:false" json:"hasApproval"`
	DiscountApplied    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discountApplied"`

	IsPackage      bool                    `gorm:"default:false" json:"isPackage"`
	PackageDetails *PackageDetailsSnapshot `gorm:"type:json" json:"packageDetails,omitempty"`

	PaidAmount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"paidAmount"`
	ProcedureOrderId int             `gorm:"default:0" json:"procedureOrderId,omitempty"`
	ExternalRef      string          `gorm:"size:255;default:null" json:"externalRef,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// BundledActSnapshot records one act replaced by a package line.
type BundledActSnapshot struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Total       decimal.Decimal `json:"total"`
}

// PackageDetailsSnapshot reconstructs the pre-bundle line set. Stored as a
// JSON column on the synthetic package line.
type PackageDetailsSnapshot struct {
	Code          string               `json:"code"`
	Name          string               `json:"name"`
	IncludedActs  []BundledActSnapshot `json:"includedActs"`
	OriginalTotal decimal.Decimal      `json:"originalTotal"`
	Savings       decimal.Decimal      `json:"savings"`
}

func (p PackageDetailsSnapshot) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *PackageDetailsSnapshot) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		return nil
	default:
		return fmt.Errorf("cannot scan %T into PackageDetailsSnapshot", value)
	}
}

// CompanyBilling is the audit snapshot written when a convention settles.
type CompanyBilling struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	InvoiceId          int             `gorm:"index;not null" json:"invoiceId"`
	CompanyId          int             `gorm:"index;not null" json:"companyId"`
	CoveragePercentage decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"coveragePercentage"`
	CompanyShare       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"companyShare"`
	PatientShare       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"patientShare"`
	DiscountApplied    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discountApplied"`
	VisitCapExcess     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"visitCapExcess"`
	AppliedBy          string          `gorm:"size:100" json:"appliedBy"`
	AppliedAt          time.Time       `gorm:"not null" json:"appliedAt"`
}

type NewInvoiceItem struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Category    ServiceCategory `json:"category" binding:"required"`
	Qty         decimal.Decimal `json:"quantity" binding:"required"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	ExternalRef string          `json:"externalRef"`
}

type NewInvoice struct {
	PatientId    int             `json:"patientId" binding:"required"`
	VisitId      int             `json:"visitId"`
	CompanyId    int             `json:"companyId"`
	InvoiceDate  time.Time       `json:"invoiceDate" binding:"required"`
	CurrencyId   int             `json:"currencyId"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	// CoverageSnapshotPercentage is the convention discount captured on the
	// visit, taking precedence over the patient override and company default.
	CoverageSnapshotPercentage *decimal.Decimal `json:"coverageSnapshotPercentage"`
	RequirePriceMatch          bool             `json:"requirePriceMatch"`
	AllowPriceOverride         *bool            `json:"allowPriceOverride"`
	Issue                      bool             `json:"issue"`
	Items                      []NewInvoiceItem `json:"items" binding:"required,dive"`
}

// InvoiceCreateResult carries the invoice plus non-blocking findings
// (price warnings, missing approvals).
type InvoiceCreateResult struct {
	Invoice  *Invoice `json:"invoice"`
	Warnings []string `json:"warnings,omitempty"`
}

func (input NewInvoice) validate() error {
	if len(input.Items) == 0 {
		return utils.NewValidationError("items", "at least one line item is required")
	}
	if input.InvoiceDate.IsZero() {
		return utils.NewValidationError("invoiceDate", "invoice date is required")
	}
	for i, item := range input.Items {
		if !item.Qty.IsPositive() {
			return utils.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "quantity must be positive")
		}
		if item.UnitPrice.IsNegative() {
			return utils.NewValidationError(fmt.Sprintf("items[%d].unitPrice", i), "unit price cannot be negative")
		}
		if item.Discount.IsNegative() || item.Tax.IsNegative() {
			return utils.NewValidationError(fmt.Sprintf("items[%d]", i), "discount and tax cannot be negative")
		}
	}
	return nil
}

func toSettlementLines(items []NewInvoiceItem) []settlement.Line {
	lines := make([]settlement.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, settlement.Line{
			Code:        item.Code,
			Description: item.Description,
			Category:    item.Category,
			Qty:         item.Qty,
			UnitPrice:   item.UnitPrice,
			Discount:    item.Discount,
			Tax:         item.Tax,
			ExternalRef: item.ExternalRef,
		})
	}
	return lines
}

// CreateInvoice runs the full settlement pipeline (bundle, price-validate,
// resolve coverage, aggregate) and persists the result in one transaction.
// Reference data (company profile, fee schedule, approvals) is fetched once
// per run; the rule evaluation itself is pure and synchronous.
func CreateInvoice(ctx context.Context, input *NewInvoice) (*InvoiceCreateResult, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, utils.NewValidationError("clinicId", "clinic id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	clinic, err := GetClinicById(ctx, clinicId)
	if err != nil {
		return nil, err
	}

	currencyId := input.CurrencyId
	if currencyId == 0 {
		currencyId = clinic.BaseCurrencyId
	} else if err := utils.ValidateResourceId[Currency](ctx, clinicId, currencyId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewValidationError("currencyId", "unknown currency")
		}
		return nil, err
	}

	lines := toSettlementLines(input.Items)
	var warnings []string

	var company *Company
	var profile settlement.CompanyProfile
	if input.CompanyId > 0 {
		company, err = GetCompany(ctx, clinicId, input.CompanyId)
		if err != nil {
			return nil, err
		}
		profile, err = BuildCompanyProfile(ctx, company, input.PatientId, input.CoverageSnapshotPercentage, currencyId, input.InvoiceDate)
		if err != nil {
			return nil, err
		}
		lines = settlement.ApplyPackageDeals(lines, profile.Packages)
	}

	// fee-schedule reconciliation over the effective (post-bundle) line set
	codes := make([]string, 0, len(lines))
	for _, ln := range lines {
		if ln.Code != "" && !ln.IsPackage {
			codes = append(codes, ln.Code)
		}
	}
	catalog, err := BuildCatalogLookup(ctx, clinicId, codes, input.InvoiceDate)
	if err != nil {
		return nil, err
	}
	allowOverride := input.AllowPriceOverride == nil || *input.AllowPriceOverride
	priceResult := settlement.ValidatePrices(lines, catalog, settlement.PriceValidationOptions{
		RequireMatch:  input.RequirePriceMatch,
		AllowOverride: allowOverride,
		Strict:        config.StrictPriceValidation(),
	})
	for _, lr := range priceResult.Lines {
		if lr.Warning != "" {
			warnings = append(warnings, lr.Warning)
		}
	}
	if !priceResult.Valid {
		for _, lr := range priceResult.Lines {
			if lr.Error != "" {
				return nil, utils.NewBusinessRuleError("fee schedule violation", lr.Error)
			}
		}
	}
	if priceResult.HasErrors {
		// non-strict mode: bound violations surface as warnings only
		for _, lr := range priceResult.Lines {
			if lr.Error != "" {
				warnings = append(warnings, lr.Error)
			}
		}
	}

	var resolved settlement.Settlement
	approvalsByCode := map[string]*Approval{}
	if company != nil {
		// fetch approvals once for every code the payer could gate
		for _, ln := range lines {
			code := utils.NormalizeCode(ln.Code)
			if code == "" {
				continue
			}
			if _, done := approvalsByCode[code]; done {
				continue
			}
			approval, err := FindValidApproval(ctx, clinicId, input.PatientId, company.ID, code)
			if err != nil {
				return nil, err
			}
			approvalsByCode[code] = approval
		}
		lookup := approvalLookupWithBudget(approvalsByCode)
		coverage := settlement.ResolveCoverage(profile, lookup, lines)
		resolved = settlement.Aggregate(profile, coverage)
		warnings = append(warnings, resolved.Warnings...)
	} else {
		resolved = patientOnlySettlement(lines)
	}

	invoice := buildInvoice(clinicId, input, currencyId, resolved)
	if company != nil {
		invoice.IsConventionInvoice = true
		userName, _ := utils.GetUserNameFromContext(ctx)
		invoice.CompanyBilling = &CompanyBilling{
			CompanyId:          company.ID,
			CoveragePercentage: profile.Percentage,
			CompanyShare:       resolved.CompanyShare,
			PatientShare:       resolved.PatientShare,
			DiscountApplied:    resolved.DiscountApplied,
			VisitCapExcess:     resolved.VisitCapExcess,
			AppliedBy:          userName,
			AppliedAt:          time.Now().UTC(),
		}
	}

	db := config.GetDB()
	err = utils.RunInTxWithRetry(ctx, db, "create invoice", func(tx *gorm.DB) error {
		number, seqNo, err := nextInvoiceNumber(tx, ctx, clinic)
		if err != nil {
			return err
		}
		invoice.InvoiceNumber = number
		invoice.SequenceNo = seqNo

		if err := tx.Create(invoice).Error; err != nil {
			return err
		}

		// consume each approval exactly once per approved line
		for i := range invoice.Items {
			item := invoice.Items[i]
			if !item.RequiresApproval || !item.HasApproval {
				continue
			}
			approval := approvalsByCode[utils.NormalizeCode(item.Code)]
			if approval == nil {
				continue
			}
			if err := ConsumeApproval(tx, ctx, approval.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &InvoiceCreateResult{Invoice: invoice, Warnings: warnings}, nil
}

// patientOnlySettlement mirrors the resolver output for invoices with no
// payer: the patient owes every line in full.
func patientOnlySettlement(lines []settlement.Line) settlement.Settlement {
	s := settlement.Settlement{CategoryTotals: map[ServiceCategory]decimal.Decimal{}}
	for _, ln := range lines {
		s.Lines = append(s.Lines, settlement.ResolvedLine{
			Line:         ln,
			PatientShare: ln.Total(),
		})
		s.Total = s.Total.Add(ln.Total())
		s.PatientShare = s.PatientShare.Add(ln.Total())
	}
	return s
}

func buildInvoice(clinicId string, input *NewInvoice, currencyId int, resolved settlement.Settlement) *Invoice {
	status := InvoiceStatusDraft
	if input.Issue {
		status = InvoiceStatusIssued
	}

	exchangeRate := input.ExchangeRate
	if !exchangeRate.IsPositive() {
		exchangeRate = decimal.NewFromInt(1)
	}

	invoice := &Invoice{
		ClinicId:     clinicId,
		PatientId:    input.PatientId,
		VisitId:      input.VisitId,
		InvoiceDate:  input.InvoiceDate,
		CurrencyId:   currencyId,
		ExchangeRate: exchangeRate,
		Status:       status,
	}

	for _, ln := range resolved.Lines {
		item := InvoiceItem{
			Code:               ln.Code,
			Description:        ln.Description,
			Category:           ln.Category,
			Qty:                ln.Qty,
			UnitPrice:          ln.UnitPrice,
			Discount:           ln.Discount,
			Tax:                ln.Tax,
			Subtotal:           ln.Subtotal(),
			Total:              ln.Total(),
			CompanyShare:       ln.CompanyShare,
			PatientShare:       ln.PatientShare,
			CoveragePercentage: ln.CoveragePercentage,
			RequiresApproval:   ln.RequiresApproval,
			HasApproval:        ln.HasApproval,
			DiscountApplied:    ln.DiscountApplied,
			IsPackage:          ln.IsPackage,
			ExternalRef:        ln.ExternalRef,
		}
		if ln.PackageDetails != nil {
			acts := make([]BundledActSnapshot, 0, len(ln.PackageDetails.IncludedActs))
			for _, act := range ln.PackageDetails.IncludedActs {
				acts = append(acts, BundledActSnapshot{
					Code:        act.Code,
					Description: act.Description,
					Total:       act.Total,
				})
			}
			item.PackageDetails = &PackageDetailsSnapshot{
				Code:          ln.PackageDetails.Code,
				Name:          ln.PackageDetails.Name,
				IncludedActs:  acts,
				OriginalTotal: ln.PackageDetails.OriginalTotal,
				Savings:       ln.PackageDetails.Savings,
			}
		}
		invoice.Items = append(invoice.Items, item)

		invoice.Summary.Subtotal = invoice.Summary.Subtotal.Add(item.Subtotal)
		invoice.Summary.DiscountTotal = invoice.Summary.DiscountTotal.Add(item.Discount)
		invoice.Summary.TaxTotal = invoice.Summary.TaxTotal.Add(item.Tax)
	}

	invoice.Summary.Total = resolved.Total
	invoice.Summary.CompanyShare = resolved.CompanyShare
	invoice.Summary.PatientShare = resolved.PatientShare
	if resolved.CompanyShare.IsPositive() || resolved.DiscountApplied.IsPositive() {
		// the payer's portion is invoiced to the payer separately;
		// the patient only owes their share going forward
		invoice.Summary.AmountDue = resolved.PatientShare
	} else {
		invoice.Summary.AmountDue = resolved.Total
	}
	return invoice
}

type ApplyConventionInput struct {
	CompanyId                  int              `json:"companyId" binding:"required"`
	CoverageSnapshotPercentage *decimal.Decimal `json:"coverageSnapshotPercentage"`
}

// SettleInvoice re-runs coverage over an existing invoice's effective lines,
// attaching (or replacing) the payer split. Settlement is only re-runnable
// while the invoice has received no money: re-settling a partially paid
// invoice is rejected outright.
func SettleInvoice(ctx context.Context, invoiceId int, input *ApplyConventionInput) (*InvoiceCreateResult, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, utils.NewValidationError("clinicId", "clinic id is required")
	}
	company, err := GetCompany(ctx, clinicId, input.CompanyId)
	if err != nil {
		return nil, err
	}

	result := &InvoiceCreateResult{}
	db := config.GetDB()
	err = utils.RunInTxWithRetry(ctx, db, "settle invoice", func(tx *gorm.DB) error {
		invoice, err := lockInvoice(tx, ctx, clinicId, invoiceId)
		if err != nil {
			return err
		}
		if invoice.Status.IsTerminal() {
			return utils.NewBusinessRuleError("invoice not settleable",
				"cannot settle a "+string(invoice.Status)+" invoice")
		}
		var paymentCount int64
		if err := tx.WithContext(ctx).Model(&InvoicePayment{}).
			Where("invoice_id = ?", invoice.ID).Count(&paymentCount).Error; err != nil {
			return err
		}
		if paymentCount > 0 || invoice.Summary.AmountPaid.IsPositive() {
			return utils.NewBusinessRuleError("invoice already has payments",
				"re-settling a partially paid invoice is not supported")
		}

		profile, err := BuildCompanyProfile(ctx, company, invoice.PatientId, input.CoverageSnapshotPercentage, invoice.CurrencyId, invoice.InvoiceDate)
		if err != nil {
			return err
		}

		// items are already effective (bundled) lines; no re-bundling here
		lines := make([]settlement.Line, 0, len(invoice.Items))
		for _, item := range invoice.Items {
			lines = append(lines, settlement.Line{
				Code:        item.Code,
				Description: item.Description,
				Category:    item.Category,
				Qty:         item.Qty,
				UnitPrice:   item.UnitPrice,
				Discount:    item.Discount,
				Tax:         item.Tax,
				ExternalRef: item.ExternalRef,
				IsPackage:   item.IsPackage,
			})
		}

		approvalsByCode := map[string]*Approval{}
		for _, ln := range lines {
			code := utils.NormalizeCode(ln.Code)
			if code == "" {
				continue
			}
			if _, done := approvalsByCode[code]; done {
				continue
			}
			approval, err := FindValidApproval(ctx, clinicId, invoice.PatientId, company.ID, code)
			if err != nil {
				return err
			}
			approvalsByCode[code] = approval
		}
		lookup := approvalLookupWithBudget(approvalsByCode)

		coverage := settlement.ResolveCoverage(profile, lookup, lines)
		resolved := settlement.Aggregate(profile, coverage)
		result.Warnings = append(result.Warnings, resolved.Warnings...)

		for i := range invoice.Items {
			item := &invoice.Items[i]
			ln := resolved.Lines[i]
			item.CompanyShare = ln.CompanyShare
			item.PatientShare = ln.PatientShare
			item.CoveragePercentage = ln.CoveragePercentage
			item.RequiresApproval = ln.RequiresApproval
			item.HasApproval = ln.HasApproval
			item.DiscountApplied = ln.DiscountApplied
			if err := tx.WithContext(ctx).Model(&InvoiceItem{}).
				Where("id = ?", item.ID).
				Updates(map[string]interface{}{
					"company_share":       item.CompanyShare,
					"patient_share":       item.PatientShare,
					"coverage_percentage": item.CoveragePercentage,
					"requires_approval":   item.RequiresApproval,
					"has_approval":        item.HasApproval,
					"discount_applied":    item.DiscountApplied,
				}).Error; err != nil {
				return err
			}
			if item.RequiresApproval && item.HasApproval {
				if approval := approvalsByCode[utils.NormalizeCode(item.Code)]; approval != nil {
					if err := ConsumeApproval(tx, ctx, approval.ID); err != nil {
						return err
					}
				}
			}
		}

		invoice.IsConventionInvoice = true
		invoice.Summary.CompanyShare = resolved.CompanyShare
		invoice.Summary.PatientShare = resolved.PatientShare
		invoice.Summary.AmountDue = resolved.PatientShare
		if err := tx.WithContext(ctx).Model(&Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]interface{}{
				"is_convention_invoice": true,
				"summary_company_share": invoice.Summary.CompanyShare,
				"summary_patient_share": invoice.Summary.PatientShare,
				"summary_amount_due":    invoice.Summary.AmountDue,
			}).Error; err != nil {
			return err
		}

		userName, _ := utils.GetUserNameFromContext(ctx)
		snapshot := &CompanyBilling{
			InvoiceId:          invoice.ID,
			CompanyId:          company.ID,
			CoveragePercentage: profile.Percentage,
			CompanyShare:       resolved.CompanyShare,
			PatientShare:       resolved.PatientShare,
			DiscountApplied:    resolved.DiscountApplied,
			VisitCapExcess:     resolved.VisitCapExcess,
			AppliedBy:          userName,
			AppliedAt:          time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).
			Where("invoice_id = ?", invoice.ID).
			Delete(&CompanyBilling{}).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Create(snapshot).Error; err != nil {
			return err
		}
		invoice.CompanyBilling = snapshot

		result.Invoice = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func GetInvoice(ctx context.Context, clinicId string, invoiceId int) (*Invoice, error) {
	db := config.GetDB()
	var invoice Invoice
	err := db.WithContext(ctx).
		Preload("Items").
		Preload("Payments").
		Preload("CompanyBilling").
		Where("clinic_id = ? AND id = ?", clinicId, invoiceId).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// UpdateInvoiceStatus moves an invoice along the pre-payment edges of the
// status machine. Payment-driven states (Partial, Paid) and reversal states
// are reachable only through their coordinators.
func UpdateInvoiceStatus(ctx context.Context, invoiceId int, to InvoiceStatus) (*Invoice, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, utils.NewValidationError("clinicId", "clinic id is required")
	}
	switch to {
	case InvoiceStatusIssued, InvoiceStatusSent, InvoiceStatusViewed, InvoiceStatusVoided:
	default:
		return nil, utils.NewBusinessRuleError("invalid status transition",
			string(to)+" is not reachable through this operation")
	}

	db := config.GetDB()
	var invoice *Invoice
	err := utils.RunInTxWithRetry(ctx, db, "update invoice status", func(tx *gorm.DB) error {
		var current Invoice
		if err := tx.Where("clinic_id = ? AND id = ?", clinicId, invoiceId).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if err := ValidateStatusTransition(current.Status, to); err != nil {
			return err
		}
		if err := tx.Model(&Invoice{}).Where("id = ?", current.ID).
			Update("status", to).Error; err != nil {
			return err
		}
		current.Status = to
		invoice = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}
