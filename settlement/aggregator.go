package settlement

import (
	"github.com/shopspring/decimal"
)

// Settlement is the invoice-level rollup of a coverage run.
type Settlement struct {
	Lines []ResolvedLine

	// Total is the sum of line totals before convention discounts.
	Total decimal.Decimal
	// DiscountApplied is the sum of per-line convention discounts.
	DiscountApplied decimal.Decimal
	CompanyShare    decimal.Decimal
	PatientShare    decimal.Decimal

	// VisitCapExcess is the amount shifted from the payer to the patient by
	// the per-visit cap (zero when the cap did not bind).
	VisitCapExcess decimal.Decimal

	CategoryTotals map[Category]decimal.Decimal
	Warnings       []string
}

// Aggregate rolls resolved lines into invoice totals and applies the single
// per-visit payer cap. Clamping shifts the exact excess to the patient, so
// CompanyShare + PatientShare is unchanged by the cap.
func Aggregate(profile CompanyProfile, res CoverageResult) Settlement {
	s := Settlement{
		Lines:          res.Lines,
		CategoryTotals: res.CategoryTotals,
		Warnings:       res.Warnings,
	}

	for _, ln := range res.Lines {
		s.Total = s.Total.Add(ln.Total())
		s.DiscountApplied = s.DiscountApplied.Add(ln.DiscountApplied)
		s.CompanyShare = s.CompanyShare.Add(ln.CompanyShare)
		s.PatientShare = s.PatientShare.Add(ln.PatientShare)
	}

	if profile.MaxPerVisit != nil && s.CompanyShare.GreaterThan(*profile.MaxPerVisit) {
		s.VisitCapExcess = s.CompanyShare.Sub(*profile.MaxPerVisit)
		s.CompanyShare = *profile.MaxPerVisit
		s.PatientShare = s.PatientShare.Add(s.VisitCapExcess)
	}

	return s
}
