package models_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/models"
	"github.com/mmdatafocus/clinic_backend/utils"
	"github.com/shopspring/decimal"
)

// End-to-end regression over a real MySQL: settle a convention invoice,
// capture the patient share in two payments (with an idempotent replay),
// verify the dependent procedure order, then refund and verify the
// dependent-order walk plus the outbox rows.
//
// Requires DB_USER/DB_PASSWORD/DB_HOST/DB_PORT/DB_NAME to point at a
// disposable database.
func TestConventionInvoiceLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires MySQL)")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	clinicId := "it-" + uuid.NewString()[:8]
	ctx := utils.SetClinicIdInContext(context.Background(), clinicId)

	isTrue := true
	clinic := models.Clinic{ID: clinicId, Name: "Integration Clinic", InvoicePrefix: "IT-"}
	if err := db.Create(&clinic).Error; err != nil {
		t.Fatal(err)
	}
	usd := models.Currency{ClinicId: clinicId, Code: "USD", Name: "US Dollar", IsBase: &isTrue}
	if err := db.Create(&usd).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&models.Clinic{}).Where("id = ?", clinicId).
		Update("base_currency_id", usd.ID).Error; err != nil {
		t.Fatal(err)
	}

	company := models.Company{
		ClinicId:           clinicId,
		Name:               "Integration Payer",
		CoveragePercentage: decimal.NewFromInt(80),
		Active:             &isTrue,
	}
	if err := db.Create(&company).Error; err != nil {
		t.Fatal(err)
	}

	fees := []models.FeeCatalogEntry{
		{ClinicId: clinicId, Code: "CONSULT", Price: decimal.NewFromInt(100), Active: &isTrue},
		{ClinicId: clinicId, Code: "SURGERY-MINOR", Price: decimal.NewFromInt(400), Active: &isTrue},
	}
	if err := db.Create(&fees).Error; err != nil {
		t.Fatal(err)
	}

	created, err := models.CreateInvoice(ctx, &models.NewInvoice{
		PatientId:   1,
		CompanyId:   company.ID,
		InvoiceDate: time.Now().UTC(),
		CurrencyId:  usd.ID,
		Issue:       true,
		Items: []models.NewInvoiceItem{
			{Code: "CONSULT", Category: "Consultation", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(100)},
			{Code: "SURGERY-MINOR", Category: "Surgery", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(400),
				ExternalRef: "SurgeryRequest:77"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	invoice := created.Invoice
	if invoice.InvoiceNumber == "" || !strings.HasPrefix(invoice.InvoiceNumber, "IT-") {
		t.Errorf("invoice number = %q", invoice.InvoiceNumber)
	}
	// 80% of 500 to the payer, patient owes 100
	if !invoice.Summary.CompanyShare.Equal(decimal.NewFromInt(400)) {
		t.Errorf("company share = %s, want 400", invoice.Summary.CompanyShare)
	}
	if !invoice.Summary.AmountDue.Equal(decimal.NewFromInt(100)) {
		t.Errorf("amount due = %s, want 100", invoice.Summary.AmountDue)
	}
	if invoice.CompanyBilling == nil {
		t.Fatal("convention invoice must carry a company billing snapshot")
	}

	// Partial capture.
	key := uuid.NewString()
	first, err := models.CapturePayment(ctx, &models.NewPayment{
		InvoiceId:      invoice.ID,
		Amount:         decimal.NewFromInt(40),
		Method:         "cash",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Invoice.Status != models.InvoiceStatusPartial {
		t.Errorf("status = %s, want Partial", first.Invoice.Status)
	}

	// Replay with the same key: no second payment.
	replay, err := models.CapturePayment(ctx, &models.NewPayment{
		InvoiceId:      invoice.ID,
		Amount:         decimal.NewFromInt(40),
		Method:         "cash",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Duplicate {
		t.Error("replayed capture should be flagged as a duplicate")
	}
	if replay.Payment.ID != first.Payment.ID {
		t.Error("replay must return the original payment")
	}

	// Overpayment is rejected.
	if _, err := models.CapturePayment(ctx, &models.NewPayment{
		InvoiceId: invoice.ID,
		Amount:    decimal.NewFromInt(1000),
		Method:    "cash",
	}); !utils.IsBusinessRuleError(err) {
		t.Errorf("overpayment should be a business rule error, got %v", err)
	}

	// Settle the rest; the surgery line becomes fully paid and spawns an order.
	final, err := models.CapturePayment(ctx, &models.NewPayment{
		InvoiceId: invoice.ID,
		Amount:    decimal.NewFromInt(60),
		Method:    "card",
	})
	if err != nil {
		t.Fatal(err)
	}
	if final.Invoice.Status != models.InvoiceStatusPaid {
		t.Errorf("status = %s, want Paid", final.Invoice.Status)
	}

	var orders []models.ProcedureOrder
	if err := db.Where("invoice_id = ?", invoice.ID).Find(&orders).Error; err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1 (only the surgery line is schedulable)", len(orders))
	}
	if orders[0].Status != models.ProcedureOrderStatusPending {
		t.Errorf("order status = %s, want Pending", orders[0].Status)
	}

	// Refund everything: invoice goes Refunded, the pending order is
	// cancelled, and sync messages queue for the externally linked line.
	refunded, err := models.RefundPayment(ctx, &models.NewRefund{
		InvoiceId: invoice.ID,
		Amount:    decimal.NewFromInt(100),
		Reason:    "patient request",
		Method:    "card",
	})
	if err != nil {
		t.Fatal(err)
	}
	if refunded.Invoice.Status != models.InvoiceStatusRefunded {
		t.Errorf("status = %s, want Refunded", refunded.Invoice.Status)
	}
	if !refunded.Invoice.Summary.AmountPaid.IsZero() {
		t.Errorf("amount paid = %s, want 0", refunded.Invoice.Summary.AmountPaid)
	}

	var afterWalk models.ProcedureOrder
	if err := db.Where("id = ?", orders[0].ID).First(&afterWalk).Error; err != nil {
		t.Fatal(err)
	}
	if afterWalk.Status != models.ProcedureOrderStatusCancelled {
		t.Errorf("pending order after refund = %s, want Cancelled", afterWalk.Status)
	}

	var outbox []models.SyncMessageRecord
	if err := db.Where("clinic_id = ? AND invoice_id = ?", clinicId, invoice.ID).Find(&outbox).Error; err != nil {
		t.Fatal(err)
	}
	if len(outbox) == 0 {
		t.Fatal("expected sync outbox rows for the externally linked line")
	}
	sawRefund := false
	for _, rec := range outbox {
		if rec.ReferenceType != "SurgeryRequest" || rec.ReferenceId != "77" {
			t.Errorf("unexpected reference %s:%s", rec.ReferenceType, rec.ReferenceId)
		}
		if rec.PaymentStatus == models.PaymentSyncStatusRefunded {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Error("expected a Refunded sync message after the refund")
	}
}

// A failure while creating the dependent procedure order must roll the whole
// capture back: no payment row, no paid amount, no status change.
func TestCaptureRollsBackWhenOrderCreationFails(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires MySQL)")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	clinicId := "it-" + uuid.NewString()[:8]
	ctx := utils.SetClinicIdInContext(context.Background(), clinicId)

	isTrue := true
	clinic := models.Clinic{ID: clinicId, Name: "Rollback Clinic", InvoicePrefix: "RB-"}
	if err := db.Create(&clinic).Error; err != nil {
		t.Fatal(err)
	}
	usd := models.Currency{ClinicId: clinicId, Code: "USD", Name: "US Dollar", IsBase: &isTrue}
	if err := db.Create(&usd).Error; err != nil {
		t.Fatal(err)
	}
	fee := models.FeeCatalogEntry{ClinicId: clinicId, Code: "SURGERY-MINOR", Price: decimal.NewFromInt(400), Active: &isTrue}
	if err := db.Create(&fee).Error; err != nil {
		t.Fatal(err)
	}

	created, err := models.CreateInvoice(ctx, &models.NewInvoice{
		PatientId:   1,
		InvoiceDate: time.Now().UTC(),
		CurrencyId:  usd.ID,
		Issue:       true,
		Items: []models.NewInvoiceItem{
			{Code: "SURGERY-MINOR", Category: "Surgery", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(400)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	invoice := created.Invoice

	// A conflicting order for the same line: the capture's order insert
	// violates the one-order-per-item constraint mid-transaction.
	conflicting := models.ProcedureOrder{
		ClinicId:      clinicId,
		InvoiceId:     invoice.ID,
		InvoiceItemId: invoice.Items[0].ID,
		PatientId:     invoice.PatientId,
		Code:          "SURGERY-MINOR",
		Category:      "Surgery",
		Status:        models.ProcedureOrderStatusPending,
	}
	if err := db.Create(&conflicting).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := models.CapturePayment(ctx, &models.NewPayment{
		InvoiceId: invoice.ID,
		Amount:    decimal.NewFromInt(400),
		Method:    "cash",
	}); err == nil {
		t.Fatal("capture should fail when the dependent order cannot be created")
	}

	var after models.Invoice
	if err := db.Preload("Items").Preload("Payments").
		Where("id = ?", invoice.ID).First(&after).Error; err != nil {
		t.Fatal(err)
	}
	if after.Status != models.InvoiceStatusIssued {
		t.Errorf("status = %s, want Issued (unchanged)", after.Status)
	}
	if !after.Summary.AmountPaid.IsZero() {
		t.Errorf("amount paid = %s, want 0", after.Summary.AmountPaid)
	}
	if !after.Summary.AmountDue.Equal(decimal.NewFromInt(400)) {
		t.Errorf("amount due = %s, want 400", after.Summary.AmountDue)
	}
	if len(after.Payments) != 0 {
		t.Errorf("payments = %d, want 0", len(after.Payments))
	}
	if !after.Items[0].PaidAmount.IsZero() {
		t.Errorf("item paid amount = %s, want 0", after.Items[0].PaidAmount)
	}
	if after.Items[0].ProcedureOrderId != 0 {
		t.Errorf("item order link = %d, want 0", after.Items[0].ProcedureOrderId)
	}

	// Once the conflict is cleared the identical capture goes through.
	if err := db.Delete(&conflicting).Error; err != nil {
		t.Fatal(err)
	}
	result, err := models.CapturePayment(ctx, &models.NewPayment{
		InvoiceId: invoice.ID,
		Amount:    decimal.NewFromInt(400),
		Method:    "cash",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Invoice.Status != models.InvoiceStatusPaid {
		t.Errorf("status after retry = %s, want Paid", result.Invoice.Status)
	}
}

// A package priced in the payer's currency is converted into the invoice
// currency before bundling, like the auto-approve threshold.
func TestPackagePriceConvertedToInvoiceCurrency(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires MySQL)")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	clinicId := "it-" + uuid.NewString()[:8]
	ctx := utils.SetClinicIdInContext(context.Background(), clinicId)

	isTrue := true
	isFalse := false
	clinic := models.Clinic{ID: clinicId, Name: "FX Clinic", InvoicePrefix: "FX-"}
	if err := db.Create(&clinic).Error; err != nil {
		t.Fatal(err)
	}
	usd := models.Currency{ClinicId: clinicId, Code: "USD", Name: "US Dollar", IsBase: &isTrue}
	eur := models.Currency{ClinicId: clinicId, Code: "EUR", Name: "Euro", IsBase: &isFalse}
	if err := db.Create(&usd).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&eur).Error; err != nil {
		t.Fatal(err)
	}
	rateDate := time.Now().UTC().AddDate(0, -1, 0)
	rates := []models.CurrencyExchange{
		{ClinicId: clinicId, CurrencyId: usd.ID, Rate: decimal.NewFromInt(1), RateDate: rateDate},
		{ClinicId: clinicId, CurrencyId: eur.ID, Rate: decimal.NewFromFloat(1.10), RateDate: rateDate},
	}
	if err := db.Create(&rates).Error; err != nil {
		t.Fatal(err)
	}

	company := models.Company{
		ClinicId:           clinicId,
		Name:               "FX Payer",
		CoveragePercentage: decimal.NewFromInt(80),
		Active:             &isTrue,
		PackageDeals: []models.PackageDeal{
			{
				Code:       "PKG-EXAM",
				Name:       "Exam package",
				Price:      decimal.NewFromInt(50),
				CurrencyId: eur.ID,
				Active:     &isTrue,
				Acts: []models.PackageDealAct{
					{ActCode: "CONSULT"},
					{ActCode: "REFRACTO"},
				},
			},
		},
	}
	if err := db.Create(&company).Error; err != nil {
		t.Fatal(err)
	}
	fees := []models.FeeCatalogEntry{
		{ClinicId: clinicId, Code: "CONSULT", Price: decimal.NewFromInt(30), Active: &isTrue},
		{ClinicId: clinicId, Code: "REFRACTO", Price: decimal.NewFromInt(40), Active: &isTrue},
	}
	if err := db.Create(&fees).Error; err != nil {
		t.Fatal(err)
	}

	created, err := models.CreateInvoice(ctx, &models.NewInvoice{
		PatientId:   1,
		CompanyId:   company.ID,
		InvoiceDate: time.Now().UTC(),
		CurrencyId:  usd.ID,
		Issue:       true,
		Items: []models.NewInvoiceItem{
			{Code: "CONSULT", Category: "Consultation", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(30)},
			{Code: "REFRACTO", Category: "Examination", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(40)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	items := created.Invoice.Items
	if len(items) != 1 || !items[0].IsPackage {
		t.Fatalf("expected one synthetic package line, got %d items", len(items))
	}
	// 50 EUR at 1.10 into the USD invoice
	if !items[0].UnitPrice.Equal(decimal.NewFromInt(55)) {
		t.Errorf("package price = %s, want 55", items[0].UnitPrice)
	}
	if items[0].PackageDetails == nil {
		t.Fatal("synthetic line must carry the bundle snapshot")
	}
	if !items[0].PackageDetails.OriginalTotal.Equal(decimal.NewFromInt(70)) {
		t.Errorf("original total = %s, want 70", items[0].PackageDetails.OriginalTotal)
	}
	if !items[0].PackageDetails.Savings.Equal(decimal.NewFromInt(15)) {
		t.Errorf("savings = %s, want 15", items[0].PackageDetails.Savings)
	}
}

// Missing reference rows surface as the not-found sentinel, not as opaque
// internal errors.
func TestMissingRecordsMapToNotFound(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires MySQL)")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	clinicId := "it-" + uuid.NewString()[:8]
	ctx := utils.SetClinicIdInContext(context.Background(), clinicId)

	if _, err := models.GetClinicById(ctx, clinicId); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Errorf("unknown clinic: err = %v, want record not found", err)
	}

	clinic := models.Clinic{ID: clinicId, Name: "Lookup Clinic"}
	if err := db.Create(&clinic).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := models.GetCompany(ctx, clinicId, 999999); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Errorf("unknown company: err = %v, want record not found", err)
	}
}
