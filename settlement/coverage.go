package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ResolvedLine is a line with its payer/patient split decided.
type ResolvedLine struct {
	Line
	CoveragePercentage decimal.Decimal
	RequiresApproval   bool
	HasApproval        bool
	DiscountApplied    decimal.Decimal
	CompanyShare       decimal.Decimal
	PatientShare       decimal.Decimal
}

// CoverageResult is the outcome of one settlement run over all lines.
// CategoryTotals holds the post-cap accumulated company share per category;
// it is scoped to this run, not to the payer's lifetime spend.
type CoverageResult struct {
	Lines          []ResolvedLine
	CategoryTotals map[Category]decimal.Decimal
	Warnings       []string
}

// ResolveCoverage decides the payer/patient split for every line, in order,
// as an explicit fold: the per-category spend tracker is carried from line to
// line and returned with the result. A missing approval is a resolved
// outcome (patient pays 100%), never an error.
func ResolveCoverage(profile CompanyProfile, hasApproval ApprovalLookup, lines []Line) CoverageResult {
	result := CoverageResult{
		Lines:          make([]ResolvedLine, 0, len(lines)),
		CategoryTotals: make(map[Category]decimal.Decimal),
	}
	if hasApproval == nil {
		hasApproval = func(string) bool { return false }
	}

	for _, ln := range lines {
		resolved := resolveLine(profile, hasApproval, ln, result.CategoryTotals)
		if resolved.RequiresApproval && !resolved.HasApproval {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no valid approval for %s: patient pays the full amount", displayCode(ln)))
		}
		result.Lines = append(result.Lines, resolved)
	}
	return result
}

func resolveLine(profile CompanyProfile, hasApproval ApprovalLookup, ln Line, categoryTotals map[Category]decimal.Decimal) ResolvedLine {
	resolved := ResolvedLine{Line: ln}
	lineTotal := ln.Total()
	setting, hasSetting := profile.Categories[ln.Category]

	// Excluded category: the payer pays nothing, no discounts apply.
	if hasSetting && setting.NotCovered {
		resolved.PatientShare = lineTotal
		return resolved
	}

	// The amount threshold may clear an act-level approval requirement, but a
	// category-level requirement is never overridden by price.
	code := normalizeCode(ln.Code)
	categoryRequires := hasSetting && setting.RequiresApproval
	actRequires := code != "" && profile.ApprovalActs[code]
	requiresApproval := categoryRequires || actRequires
	if requiresApproval && !categoryRequires &&
		profile.Rules.AutoApproveUnderAmount.IsPositive() &&
		lineTotal.LessThan(profile.Rules.AutoApproveUnderAmount) {
		requiresApproval = false
	}
	resolved.RequiresApproval = requiresApproval

	if requiresApproval {
		resolved.HasApproval = code != "" && hasApproval(code)
		if !resolved.HasApproval {
			// Patient pays 100% regardless of nominal coverage.
			resolved.PatientShare = lineTotal
			return resolved
		}
	}

	coveragePct := profile.Percentage
	if hasSetting && setting.Percentage != nil {
		coveragePct = *setting.Percentage
	}
	resolved.CoveragePercentage = coveragePct

	// Discount before split. The global discount and the category discount
	// are mutually exclusive per line, global takes precedence.
	discountPct := decimal.Zero
	if profile.Rules.GlobalDiscountPercentage.IsPositive() && !profile.Rules.GlobalDiscountExclude[ln.Category] {
		discountPct = profile.Rules.GlobalDiscountPercentage
	} else if hasSetting && setting.AdditionalDiscount.IsPositive() {
		discountPct = setting.AdditionalDiscount
	}
	if discountPct.IsPositive() {
		resolved.DiscountApplied = round2(lineTotal.Mul(discountPct).Div(decimal.NewFromInt(100)))
	}
	effectiveTotal := lineTotal.Sub(resolved.DiscountApplied)

	companyShare := round2(effectiveTotal.Mul(coveragePct).Div(decimal.NewFromInt(100)))

	// Cumulative per-category cap: the tracker accumulates the post-cap share
	// across every line of this settlement run.
	if hasSetting && setting.MaxPerCategory != nil {
		remaining := setting.MaxPerCategory.Sub(categoryTotals[ln.Category])
		if !remaining.IsPositive() {
			companyShare = decimal.Zero
		} else if companyShare.GreaterThan(remaining) {
			companyShare = remaining
		}
	}
	categoryTotals[ln.Category] = categoryTotals[ln.Category].Add(companyShare)

	resolved.CompanyShare = companyShare
	resolved.PatientShare = effectiveTotal.Sub(companyShare)
	return resolved
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func displayCode(ln Line) string {
	if ln.Code != "" {
		return ln.Code
	}
	if ln.Description != "" {
		return ln.Description
	}
	return string(ln.Category)
}
