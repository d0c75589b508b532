package settlement

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ApplyPackageDeals replaces groups of discrete billed acts with fixed-price
// package lines. Packages are evaluated in declaration order against the
// remaining (already-bundled) line list, so multiple packages can apply to
// disjoint subsets but no two packages can claim the same line. A package
// applies only if every required act matches a distinct line.
func ApplyPackageDeals(lines []Line, packages []PackageDeal) []Line {
	out := append([]Line(nil), lines...)

	for _, pkg := range packages {
		if !pkg.Active || len(pkg.IncludedActs) == 0 {
			continue
		}

		required := make([]string, 0, len(pkg.IncludedActs))
		seen := make(map[string]bool, len(pkg.IncludedActs))
		for _, act := range pkg.IncludedActs {
			code := normalizeCode(act)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			required = append(required, code)
		}
		if len(required) == 0 {
			continue
		}

		matched := make(map[int]bool, len(required))
		matchedIdx := make([]int, 0, len(required))
		complete := true
		for _, code := range required {
			found := -1
			for i, ln := range out {
				if matched[i] || ln.IsPackage {
					continue
				}
				if actCodeMatches(normalizeCode(ln.Code), code) {
					found = i
					break
				}
			}
			if found < 0 {
				complete = false
				break
			}
			matched[found] = true
			matchedIdx = append(matchedIdx, found)
		}
		if !complete {
			continue
		}

		insertAt := len(out)
		originalTotal := decimal.Zero
		acts := make([]BundledAct, 0, len(matchedIdx))
		for _, i := range matchedIdx {
			if i < insertAt {
				insertAt = i
			}
			ln := out[i]
			originalTotal = originalTotal.Add(ln.Total())
			acts = append(acts, BundledAct{
				Code:        ln.Code,
				Description: ln.Description,
				Total:       ln.Total(),
			})
		}

		bundled := Line{
			Code:        pkg.Code,
			Description: pkg.Name,
			Category:    CategoryConsultation,
			Qty:         decimal.NewFromInt(1),
			UnitPrice:   pkg.Price,
			IsPackage:   true,
			PackageDetails: &PackageDetails{
				Code:          pkg.Code,
				Name:          pkg.Name,
				IncludedActs:  acts,
				OriginalTotal: originalTotal,
				Savings:       originalTotal.Sub(pkg.Price),
			},
		}

		next := make([]Line, 0, len(out)-len(matchedIdx)+1)
		for i, ln := range out {
			if i == insertAt {
				next = append(next, bundled)
			}
			if matched[i] {
				continue
			}
			next = append(next, ln)
		}
		out = next
	}

	return out
}

// actCodeMatches reports whether a billed act code satisfies a package act
// code: exact match, or one is a separator-delimited prefix of the other
// ("SURGERY" matches "SURGERY-PHACO" and vice versa).
func actCodeMatches(lineCode, pkgCode string) bool {
	if lineCode == "" || pkgCode == "" {
		return false
	}
	if lineCode == pkgCode {
		return true
	}
	for _, sep := range []string{"-", "_"} {
		if strings.HasPrefix(lineCode, pkgCode+sep) {
			return true
		}
		if strings.HasPrefix(pkgCode, lineCode+sep) {
			return true
		}
	}
	return false
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
