package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func basicProfile(pct int64) CompanyProfile {
	return CompanyProfile{
		CompanyId:    1,
		Percentage:   dec(pct),
		Categories:   map[Category]CategorySetting{},
		ApprovalActs: map[string]bool{},
	}
}

func TestResolveCoverage_BaseSplit(t *testing.T) {
	profile := basicProfile(80)
	res := ResolveCoverage(profile, nil, []Line{line("CONSULT", CategoryConsultation, 100)})

	ln := res.Lines[0]
	if !ln.CompanyShare.Equal(dec(80)) {
		t.Errorf("company share = %s, want 80", ln.CompanyShare)
	}
	if !ln.PatientShare.Equal(dec(20)) {
		t.Errorf("patient share = %s, want 20", ln.PatientShare)
	}
}

func TestResolveCoverage_NotCoveredCategory(t *testing.T) {
	profile := basicProfile(80)
	profile.Categories[CategoryMedication] = CategorySetting{NotCovered: true}
	profile.Rules.GlobalDiscountPercentage = dec(10)

	res := ResolveCoverage(profile, nil, []Line{line("MED-X", CategoryMedication, 50)})

	ln := res.Lines[0]
	if !ln.CompanyShare.IsZero() {
		t.Errorf("company share = %s, want 0", ln.CompanyShare)
	}
	if !ln.PatientShare.Equal(dec(50)) {
		t.Errorf("patient pays the full line, got %s", ln.PatientShare)
	}
	if !ln.DiscountApplied.IsZero() {
		t.Errorf("no discount applies to an excluded category, got %s", ln.DiscountApplied)
	}
}

func TestResolveCoverage_CategoryOverridePercentage(t *testing.T) {
	profile := basicProfile(80)
	pct := dec(50)
	profile.Categories[CategoryOptical] = CategorySetting{Percentage: &pct}

	res := ResolveCoverage(profile, nil, []Line{line("FRAME", CategoryOptical, 200)})

	if !res.Lines[0].CompanyShare.Equal(dec(100)) {
		t.Errorf("company share = %s, want 100", res.Lines[0].CompanyShare)
	}
}

func TestResolveCoverage_MissingApprovalShiftsFullAmount(t *testing.T) {
	profile := basicProfile(80)
	profile.ApprovalActs["SURGERY-PHACO"] = true

	lines := []Line{
		line("CONSULT", CategoryConsultation, 50),
		line("SURGERY-PHACO", CategorySurgery, 1000),
	}
	res := ResolveCoverage(profile, func(string) bool { return false }, lines)

	consult, surgery := res.Lines[0], res.Lines[1]
	if !consult.CompanyShare.Equal(dec(40)) {
		t.Errorf("consult company share = %s, want 40", consult.CompanyShare)
	}
	if !surgery.CompanyShare.IsZero() {
		t.Errorf("unapproved surgery company share = %s, want 0", surgery.CompanyShare)
	}
	if !surgery.PatientShare.Equal(dec(1000)) {
		t.Errorf("unapproved surgery patient share = %s, want 1000", surgery.PatientShare)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", res.Warnings)
	}
}

func TestResolveCoverage_FullCoverageUnapprovedSurgery(t *testing.T) {
	profile := basicProfile(100)
	profile.Categories[CategorySurgery] = CategorySetting{RequiresApproval: true}

	lines := []Line{
		line("CONSULT", CategoryConsultation, 50),
		line("SURGERY-PHACO", CategorySurgery, 1000),
	}
	res := ResolveCoverage(profile, nil, lines)

	if !res.Lines[0].CompanyShare.Equal(dec(50)) || !res.Lines[0].PatientShare.IsZero() {
		t.Errorf("consult split = (%s, %s), want (50, 0)",
			res.Lines[0].CompanyShare, res.Lines[0].PatientShare)
	}
	if !res.Lines[1].CompanyShare.IsZero() || !res.Lines[1].PatientShare.Equal(dec(1000)) {
		t.Errorf("surgery split = (%s, %s), want (0, 1000)",
			res.Lines[1].CompanyShare, res.Lines[1].PatientShare)
	}

	s := Aggregate(profile, res)
	if !s.PatientShare.Equal(dec(1000)) {
		t.Errorf("patient total = %s, want 1000", s.PatientShare)
	}
}

func TestResolveCoverage_ApprovalPresent(t *testing.T) {
	profile := basicProfile(80)
	profile.ApprovalActs["SURGERY-PHACO"] = true

	res := ResolveCoverage(profile, func(code string) bool { return code == "SURGERY-PHACO" },
		[]Line{line("SURGERY-PHACO", CategorySurgery, 1000)})

	ln := res.Lines[0]
	if !ln.HasApproval {
		t.Fatal("approval should be found")
	}
	if !ln.CompanyShare.Equal(dec(800)) {
		t.Errorf("company share = %s, want 800", ln.CompanyShare)
	}
}

func TestResolveCoverage_AutoApproveThreshold(t *testing.T) {
	profile := basicProfile(80)
	profile.ApprovalActs["LASER-YAG"] = true
	profile.Rules.AutoApproveUnderAmount = dec(500)

	res := ResolveCoverage(profile, func(string) bool { return false },
		[]Line{line("LASER-YAG", CategoryProcedure, 350)})

	ln := res.Lines[0]
	if ln.RequiresApproval {
		t.Error("act under the auto-approve threshold should not require approval")
	}
	if !ln.CompanyShare.Equal(dec(280)) {
		t.Errorf("company share = %s, want 280", ln.CompanyShare)
	}
}

func TestResolveCoverage_ThresholdNeverClearsCategoryRequirement(t *testing.T) {
	profile := basicProfile(80)
	profile.Categories[CategorySurgery] = CategorySetting{RequiresApproval: true}
	profile.Rules.AutoApproveUnderAmount = dec(500)

	res := ResolveCoverage(profile, func(string) bool { return false },
		[]Line{line("MINOR-OP", CategorySurgery, 100)})

	ln := res.Lines[0]
	if !ln.RequiresApproval {
		t.Error("category-level requirement must survive the amount threshold")
	}
	if !ln.PatientShare.Equal(dec(100)) {
		t.Errorf("patient share = %s, want 100", ln.PatientShare)
	}
}

func TestResolveCoverage_GlobalDiscountPrecedence(t *testing.T) {
	profile := basicProfile(80)
	profile.Rules.GlobalDiscountPercentage = dec(10)
	profile.Categories[CategoryExamination] = CategorySetting{AdditionalDiscount: dec(20)}

	res := ResolveCoverage(profile, nil, []Line{line("TONO", CategoryExamination, 100)})

	ln := res.Lines[0]
	// global 10% wins over the category 20%; they never stack
	if !ln.DiscountApplied.Equal(dec(10)) {
		t.Errorf("discount = %s, want 10", ln.DiscountApplied)
	}
	if !ln.CompanyShare.Equal(dec(72)) {
		t.Errorf("company share = %s, want 72", ln.CompanyShare)
	}
	if !ln.PatientShare.Equal(dec(18)) {
		t.Errorf("patient share = %s, want 18", ln.PatientShare)
	}
}

func TestResolveCoverage_CategoryDiscountWhenGlobalExcluded(t *testing.T) {
	profile := basicProfile(80)
	profile.Rules.GlobalDiscountPercentage = dec(10)
	profile.Rules.GlobalDiscountExclude = map[Category]bool{CategoryExamination: true}
	profile.Categories[CategoryExamination] = CategorySetting{AdditionalDiscount: dec(20)}

	res := ResolveCoverage(profile, nil, []Line{line("TONO", CategoryExamination, 100)})

	if !res.Lines[0].DiscountApplied.Equal(dec(20)) {
		t.Errorf("discount = %s, want 20", res.Lines[0].DiscountApplied)
	}
}

func TestResolveCoverage_CumulativeCategoryCap(t *testing.T) {
	profile := basicProfile(100)
	capAmount := dec(500)
	profile.Categories[CategorySurgery] = CategorySetting{MaxPerCategory: &capAmount}

	lines := []Line{
		line("OP-A", CategorySurgery, 400),
		line("OP-B", CategorySurgery, 400),
		line("OP-C", CategorySurgery, 400),
	}
	res := ResolveCoverage(profile, nil, lines)

	want := []int64{400, 100, 0}
	for i, w := range want {
		if !res.Lines[i].CompanyShare.Equal(dec(w)) {
			t.Errorf("line %d company share = %s, want %d", i, res.Lines[i].CompanyShare, w)
		}
	}
	if !res.CategoryTotals[CategorySurgery].Equal(dec(500)) {
		t.Errorf("category total = %s, want 500", res.CategoryTotals[CategorySurgery])
	}
	// whatever the payer does not cover lands on the patient
	if !res.Lines[2].PatientShare.Equal(dec(400)) {
		t.Errorf("line 2 patient share = %s, want 400", res.Lines[2].PatientShare)
	}
}
