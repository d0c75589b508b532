package settlement

import (
	"github.com/shopspring/decimal"
)

// Category classifies a billable act. Stored as-is in invoice items.
type Category string

const (
	CategoryConsultation Category = "Consultation"
	CategoryExamination  Category = "Examination"
	CategoryProcedure    Category = "Procedure"
	CategorySurgery      Category = "Surgery"
	CategoryOptical      Category = "Optical"
	CategoryMedication   Category = "Medication"
	CategoryImaging      Category = "Imaging"
	CategoryLaboratory   Category = "Laboratory"
	CategoryOther        Category = "Other"
)

// Line is one effective billable line flowing through the pipeline.
// Amounts are in the invoice currency.
type Line struct {
	Code        string
	Description string
	Category    Category
	Qty         decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal // absolute amount per line
	Tax         decimal.Decimal
	ExternalRef string // "Type:Id" link to a sibling record, optional

	IsPackage      bool
	PackageDetails *PackageDetails
}

// Subtotal is qty * unit price before discount and tax.
func (l Line) Subtotal() decimal.Decimal {
	return l.Qty.Mul(l.UnitPrice)
}

// Total is subtotal - discount + tax.
func (l Line) Total() decimal.Decimal {
	return l.Subtotal().Sub(l.Discount).Add(l.Tax)
}

// BundledAct snapshots one line that was replaced by a package.
type BundledAct struct {
	Code        string
	Description string
	Total       decimal.Decimal
}

// PackageDetails lets the pre-bundle line set be reconstructed from the
// synthetic package line.
type PackageDetails struct {
	Code          string
	Name          string
	IncludedActs  []BundledAct
	OriginalTotal decimal.Decimal
	// Savings may be negative (package price above bundled total).
	// That is recorded, not rejected.
	Savings decimal.Decimal
}

// PackageDeal is a payer-defined fixed-price bundle. Price is expected in
// the invoice currency: the caller converts it when compiling the profile.
type PackageDeal struct {
	Code         string
	Name         string
	Price        decimal.Decimal
	IncludedActs []string
	Active       bool
}

// CategorySetting is the per-category coverage override of a payer.
type CategorySetting struct {
	Percentage         *decimal.Decimal
	NotCovered         bool
	RequiresApproval   bool
	MaxPerCategory     *decimal.Decimal
	AdditionalDiscount decimal.Decimal
}

// ApprovalRules holds the payer-wide approval and discount policy.
// AutoApproveUnderAmount is expected in the invoice currency: the caller
// converts it from the payer's currency when compiling the profile.
type ApprovalRules struct {
	AutoApproveUnderAmount   decimal.Decimal
	GlobalDiscountPercentage decimal.Decimal
	GlobalDiscountExclude    map[Category]bool
	RequiresMedicalReport    map[Category]bool
}

// CompanyProfile is the typed per-settlement-run view of a payer convention.
// It is compiled once from the stored company record (arrays become lookup
// tables) so the resolver never searches stringly-typed settings.
type CompanyProfile struct {
	CompanyId int
	// Percentage is the base coverage, precedence already resolved by the
	// caller: convention snapshot discount, then the patient's
	// per-convention override, then the company default.
	Percentage  decimal.Decimal
	MaxPerVisit *decimal.Decimal
	Categories  map[Category]CategorySetting
	// ApprovalActs holds normalized act codes needing prior approval.
	ApprovalActs map[string]bool
	Rules        ApprovalRules
	Packages     []PackageDeal
}

// ApprovalLookup reports whether a valid, unexhausted approval exists for the
// given act code. Fetched state is loaded once per settlement run.
type ApprovalLookup func(code string) bool
