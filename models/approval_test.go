package models

import "testing"

func TestApprovalLookupWithBudget_QuantityLimit(t *testing.T) {
	byCode := map[string]*Approval{
		"SURGERY-PHACO": {ID: 1, QuantityApproved: 1},
	}
	lookup := approvalLookupWithBudget(byCode)
	if !lookup("SURGERY-PHACO") {
		t.Fatal("first line should find the approval")
	}
	if lookup("surgery-phaco") {
		t.Error("a second line sharing the code must not overdraw a quantity-1 approval")
	}
}

func TestApprovalLookupWithBudget_PartiallyUsed(t *testing.T) {
	byCode := map[string]*Approval{
		"LASER-YAG": {ID: 2, QuantityApproved: 3, UsedCount: 2},
	}
	lookup := approvalLookupWithBudget(byCode)
	if !lookup("LASER-YAG") {
		t.Fatal("one use should remain")
	}
	if lookup("LASER-YAG") {
		t.Error("previously consumed quantity must count against the budget")
	}
}

func TestApprovalLookupWithBudget_UnlimitedAndMissing(t *testing.T) {
	byCode := map[string]*Approval{
		"CONSULT": {ID: 3}, // no quantity limit
		"TONO":    nil,     // fetched, nothing valid found
	}
	lookup := approvalLookupWithBudget(byCode)
	for i := 0; i < 3; i++ {
		if !lookup("CONSULT") {
			t.Fatalf("unlimited approval denied on call %d", i+1)
		}
	}
	if lookup("TONO") {
		t.Error("a code with no valid approval must not pass")
	}
	if lookup("UNKNOWN") {
		t.Error("an unfetched code must not pass")
	}
}
