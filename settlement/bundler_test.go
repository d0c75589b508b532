package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
)

func line(code string, category Category, price int64) Line {
	return Line{
		Code:      code,
		Category:  category,
		Qty:       decimal.NewFromInt(1),
		UnitPrice: decimal.NewFromInt(price),
	}
}

func consultPackage() PackageDeal {
	return PackageDeal{
		Code:         "PKG-CONSULT",
		Name:         "Consultation package",
		Price:        decimal.NewFromInt(65),
		IncludedActs: []string{"CONSULT", "REFRACTO"},
		Active:       true,
	}
}

func TestApplyPackageDeals_BundlesMatchedActs(t *testing.T) {
	lines := []Line{
		line("CONSULT", CategoryConsultation, 30),
		line("REFRACTO", CategoryExamination, 40),
		line("TONO", CategoryExamination, 20),
	}

	out := ApplyPackageDeals(lines, []PackageDeal{consultPackage()})

	if len(out) != 2 {
		t.Fatalf("expected 2 lines after bundling, got %d", len(out))
	}
	pkg := out[0]
	if !pkg.IsPackage || pkg.Code != "PKG-CONSULT" {
		t.Fatalf("expected package line first, got %+v", pkg)
	}
	if !pkg.UnitPrice.Equal(decimal.NewFromInt(65)) {
		t.Errorf("package price = %s, want 65", pkg.UnitPrice)
	}
	if pkg.PackageDetails == nil {
		t.Fatal("package line is missing its details snapshot")
	}
	if !pkg.PackageDetails.OriginalTotal.Equal(decimal.NewFromInt(70)) {
		t.Errorf("original total = %s, want 70", pkg.PackageDetails.OriginalTotal)
	}
	if !pkg.PackageDetails.Savings.Equal(decimal.NewFromInt(5)) {
		t.Errorf("savings = %s, want 5", pkg.PackageDetails.Savings)
	}
	if len(pkg.PackageDetails.IncludedActs) != 2 {
		t.Errorf("included acts = %d, want 2", len(pkg.PackageDetails.IncludedActs))
	}
	if out[1].Code != "TONO" {
		t.Errorf("unmatched line should survive, got %s", out[1].Code)
	}
}

func TestApplyPackageDeals_AllOrNothing(t *testing.T) {
	lines := []Line{
		line("CONSULT", CategoryConsultation, 30),
		line("TONO", CategoryExamination, 20),
	}

	out := ApplyPackageDeals(lines, []PackageDeal{consultPackage()})

	if len(out) != 2 {
		t.Fatalf("expected no bundling, got %d lines", len(out))
	}
	for _, ln := range out {
		if ln.IsPackage {
			t.Errorf("unexpected package line %s", ln.Code)
		}
	}
}

func TestApplyPackageDeals_Idempotent(t *testing.T) {
	lines := []Line{
		line("CONSULT", CategoryConsultation, 30),
		line("REFRACTO", CategoryExamination, 40),
	}
	packages := []PackageDeal{consultPackage()}

	once := ApplyPackageDeals(lines, packages)
	twice := ApplyPackageDeals(once, packages)

	if len(twice) != len(once) {
		t.Fatalf("re-running changed line count: %d vs %d", len(twice), len(once))
	}
	count := 0
	for _, ln := range twice {
		if ln.IsPackage {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one package line, got %d", count)
	}
}

func TestApplyPackageDeals_NoDoubleClaim(t *testing.T) {
	// Two packages requiring the same act: only the first can claim it.
	lines := []Line{
		line("CONSULT", CategoryConsultation, 30),
		line("REFRACTO", CategoryExamination, 40),
	}
	second := PackageDeal{
		Code:         "PKG-OTHER",
		Name:         "Overlapping package",
		Price:        decimal.NewFromInt(50),
		IncludedActs: []string{"CONSULT"},
		Active:       true,
	}

	out := ApplyPackageDeals(lines, []PackageDeal{consultPackage(), second})

	if len(out) != 1 {
		t.Fatalf("expected 1 line, got %d", len(out))
	}
	if out[0].Code != "PKG-CONSULT" {
		t.Errorf("first declared package wins, got %s", out[0].Code)
	}
}

func TestApplyPackageDeals_PrefixMatch(t *testing.T) {
	lines := []Line{
		line("SURGERY-PHACO", CategorySurgery, 1000),
	}
	pkg := PackageDeal{
		Code:         "PKG-SURGERY",
		Name:         "Surgery package",
		Price:        decimal.NewFromInt(900),
		IncludedActs: []string{"SURGERY"},
		Active:       true,
	}

	out := ApplyPackageDeals(lines, []PackageDeal{pkg})

	if len(out) != 1 || !out[0].IsPackage {
		t.Fatalf("expected bundled surgery line, got %+v", out)
	}
}

func TestApplyPackageDeals_NegativeSavingsRecorded(t *testing.T) {
	lines := []Line{
		line("CONSULT", CategoryConsultation, 30),
		line("REFRACTO", CategoryExamination, 20),
	}
	pkg := consultPackage() // price 65 > 50 bundled total

	out := ApplyPackageDeals(lines, []PackageDeal{pkg})

	if len(out) != 1 {
		t.Fatalf("expected 1 line, got %d", len(out))
	}
	if !out[0].PackageDetails.Savings.Equal(decimal.NewFromInt(-15)) {
		t.Errorf("savings = %s, want -15", out[0].PackageDetails.Savings)
	}
}

func TestApplyPackageDeals_SkipsInactive(t *testing.T) {
	lines := []Line{
		line("CONSULT", CategoryConsultation, 30),
		line("REFRACTO", CategoryExamination, 40),
	}
	pkg := consultPackage()
	pkg.Active = false

	out := ApplyPackageDeals(lines, []PackageDeal{pkg})
	if len(out) != 2 {
		t.Fatalf("inactive package must not bundle, got %d lines", len(out))
	}
}
