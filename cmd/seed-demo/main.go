package main

import (
	"log"
	"time"

	"github.com/mmdatafocus/clinic_backend/config"
	"github.com/mmdatafocus/clinic_backend/models"
	"github.com/shopspring/decimal"
)

// Seeds a demo clinic with a payer convention, a fee schedule, a package
// deal, and a standing approval. Safe to run against an empty database only.
func main() {
	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	isTrue := true
	now := time.Now().UTC()

	clinic := models.Clinic{
		ID:            "demo-clinic",
		Name:          "Demo Eye Clinic",
		InvoicePrefix: "INV-",
	}
	if err := db.Create(&clinic).Error; err != nil {
		log.Fatal(err)
	}

	usd := models.Currency{ClinicId: clinic.ID, Code: "USD", Name: "US Dollar", IsBase: &isTrue}
	if err := db.Create(&usd).Error; err != nil {
		log.Fatal(err)
	}
	isFalse := false
	eur := models.Currency{ClinicId: clinic.ID, Code: "EUR", Name: "Euro", IsBase: &isFalse}
	if err := db.Create(&eur).Error; err != nil {
		log.Fatal(err)
	}
	if err := db.Model(&models.Clinic{}).Where("id = ?", clinic.ID).
		Update("base_currency_id", usd.ID).Error; err != nil {
		log.Fatal(err)
	}
	rates := []models.CurrencyExchange{
		{ClinicId: clinic.ID, CurrencyId: usd.ID, Rate: decimal.NewFromInt(1), RateDate: now.AddDate(0, -1, 0)},
		{ClinicId: clinic.ID, CurrencyId: eur.ID, Rate: decimal.NewFromFloat(1.08), RateDate: now.AddDate(0, -1, 0)},
	}
	if err := db.Create(&rates).Error; err != nil {
		log.Fatal(err)
	}

	surgeryCap := decimal.NewFromInt(500)
	opticalPct := decimal.NewFromInt(50)
	company := models.Company{
		ClinicId:                        clinic.ID,
		Name:                            "Acme Insurance",
		CoveragePercentage:              decimal.NewFromInt(80),
		MaxPerVisit:                     decimal.NewFromInt(2000),
		Active:                          &isTrue,
		AutoApproveUnderAmount:          decimal.NewFromInt(100),
		AutoApproveUnderCurrencyId:      usd.ID,
		GlobalDiscountPercentage:        decimal.NewFromInt(5),
		GlobalDiscountExcludeCategories: "Medication",
		RequiresMedicalReportCategories: "Surgery",
		CategorySettings: []models.CompanyCategorySetting{
			{Category: models.ServiceCategory("Optical"), Percentage: &opticalPct},
			{Category: models.ServiceCategory("Medication"), NotCovered: true},
			{Category: models.ServiceCategory("Surgery"), RequiresApproval: true, MaxPerCategory: &surgeryCap},
		},
		ApprovalActs: []models.CompanyApprovalAct{
			{ActCode: "SURGERY-PHACO"},
			{ActCode: "LASER-YAG"},
		},
		PackageDeals: []models.PackageDeal{
			{
				Code:   "PKG-CONSULT",
				Name:   "Consultation package",
				Price:  decimal.NewFromInt(65),
				Active: &isTrue,
				Acts: []models.PackageDealAct{
					{ActCode: "CONSULT"},
					{ActCode: "REFRACTO"},
				},
			},
		},
	}
	if err := db.Create(&company).Error; err != nil {
		log.Fatal(err)
	}

	min30 := decimal.NewFromInt(25)
	max30 := decimal.NewFromInt(40)
	fees := []models.FeeCatalogEntry{
		{ClinicId: clinic.ID, Code: "CONSULT", Price: decimal.NewFromInt(30), MinPrice: &min30, MaxPrice: &max30, Active: &isTrue},
		{ClinicId: clinic.ID, Code: "REFRACTO", Price: decimal.NewFromInt(40), Active: &isTrue},
		{ClinicId: clinic.ID, Code: "TONO", Price: decimal.NewFromInt(20), Active: &isTrue},
		{ClinicId: clinic.ID, Code: "SURGERY-PHACO", Price: decimal.NewFromInt(1000), Active: &isTrue},
		{ClinicId: clinic.ID, Code: "LASER-YAG", Price: decimal.NewFromInt(350), Active: &isTrue},
	}
	if err := db.Create(&fees).Error; err != nil {
		log.Fatal(err)
	}

	validUntil := now.AddDate(0, 3, 0)
	approval := models.Approval{
		ClinicId:         clinic.ID,
		PatientId:        1,
		CompanyId:        company.ID,
		ActCode:          "SURGERY-PHACO",
		Status:           models.ApprovalStatusApproved,
		ValidUntil:       &validUntil,
		QuantityApproved: 1,
	}
	if err := db.Create(&approval).Error; err != nil {
		log.Fatal(err)
	}

	pct := decimal.NewFromInt(90)
	convention := models.PatientConvention{
		ClinicId:           clinic.ID,
		PatientId:          1,
		CompanyId:          company.ID,
		CoveragePercentage: &pct,
		Active:             &isTrue,
	}
	if err := db.Create(&convention).Error; err != nil {
		log.Fatal(err)
	}

	log.Printf("seeded clinic=%s company=%d currency=%d", clinic.ID, company.ID, usd.ID)
}
