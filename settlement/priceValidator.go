package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceTolerance is the absolute difference under which a submitted unit
// price counts as matching the fee schedule exactly.
var PriceTolerance = decimal.NewFromFloat(0.01)

// closeRelativeDiff is the relative difference (against the schedule price)
// under which a mismatch is only a warning.
var closeRelativeDiff = decimal.NewFromFloat(0.10)

type PriceMatch string

const (
	PriceMatchExact     PriceMatch = "exact"
	PriceMatchClose     PriceMatch = "close"
	PriceMatchDifferent PriceMatch = "different"
	PriceMatchNone      PriceMatch = "none"
)

// CatalogEntry is the authoritative fee-schedule view of one act code.
type CatalogEntry struct {
	Price    decimal.Decimal
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
}

// CatalogLookup resolves an act code to its current fee-schedule entry.
// Implementations fetch once per settlement run.
type CatalogLookup func(code string) (CatalogEntry, bool)

type PriceValidationOptions struct {
	// RequireMatch makes a line without an act code an error.
	RequireMatch bool
	// AllowOverride permits submitted prices that diverge from the schedule
	// as long as they stay inside [MinPrice, MaxPrice].
	AllowOverride bool
	// Strict blocks invoice creation on any error; otherwise errors are
	// surfaced to the caller as warnings only.
	Strict bool
}

type LinePriceResult struct {
	Index        int
	Code         string
	Match        PriceMatch
	CatalogPrice decimal.Decimal
	Warning      string
	Error        string
}

type PriceValidationResult struct {
	Valid       bool
	HasWarnings bool
	HasErrors   bool
	Lines       []LinePriceResult
}

// ValidatePrices reconciles submitted unit prices against the fee schedule.
// Package lines carry contractual payer prices and are skipped.
func ValidatePrices(lines []Line, lookup CatalogLookup, opts PriceValidationOptions) PriceValidationResult {
	result := PriceValidationResult{Valid: true}

	for i, ln := range lines {
		if ln.IsPackage {
			continue
		}
		lr := LinePriceResult{Index: i, Code: ln.Code, Match: PriceMatchNone}

		code := normalizeCode(ln.Code)
		if code == "" {
			if opts.RequireMatch {
				lr.Error = "line has no act code"
			}
			result.Lines = append(result.Lines, lr)
			continue
		}

		entry, ok := lookup(code)
		if !ok {
			if opts.RequireMatch {
				lr.Warning = fmt.Sprintf("no fee schedule entry for %s", code)
			}
			result.Lines = append(result.Lines, lr)
			continue
		}
		lr.CatalogPrice = entry.Price

		diff := ln.UnitPrice.Sub(entry.Price).Abs()
		switch {
		case diff.LessThanOrEqual(PriceTolerance):
			lr.Match = PriceMatchExact
		case entry.Price.IsPositive() && diff.Div(entry.Price).LessThanOrEqual(closeRelativeDiff):
			lr.Match = PriceMatchClose
			lr.Warning = fmt.Sprintf("price for %s differs from fee schedule (%s vs %s)", code, ln.UnitPrice, entry.Price)
		default:
			lr.Match = PriceMatchDifferent
			if outOfBounds(ln.UnitPrice, entry) {
				lr.Error = fmt.Sprintf("price for %s is outside the allowed band (%s)", code, ln.UnitPrice)
			} else if !opts.AllowOverride {
				lr.Error = fmt.Sprintf("price override not allowed for %s (%s vs %s)", code, ln.UnitPrice, entry.Price)
			} else {
				lr.Warning = fmt.Sprintf("price for %s overrides fee schedule (%s vs %s)", code, ln.UnitPrice, entry.Price)
			}
		}

		result.Lines = append(result.Lines, lr)
	}

	for _, lr := range result.Lines {
		if lr.Warning != "" {
			result.HasWarnings = true
		}
		if lr.Error != "" {
			result.HasErrors = true
		}
	}
	if opts.Strict && result.HasErrors {
		result.Valid = false
	}
	return result
}

func outOfBounds(price decimal.Decimal, entry CatalogEntry) bool {
	if entry.MinPrice != nil && price.LessThan(*entry.MinPrice) {
		return true
	}
	if entry.MaxPrice != nil && price.GreaterThan(*entry.MaxPrice) {
		return true
	}
	return false
}
