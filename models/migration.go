package models

import (
	"log"

	"github.com/mmdatafocus/clinic_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Clinic{}, &DocumentSequence{},
		&Currency{}, &CurrencyExchange{},
		&Company{}, &CompanyCategorySetting{}, &CompanyApprovalAct{}, &PatientConvention{},
		&PackageDeal{}, &PackageDealAct{},
		&FeeCatalogEntry{}, &Approval{},
		&Invoice{}, &InvoiceItem{}, &CompanyBilling{}, &InvoicePayment{},
		&ProcedureOrder{},
		&SyncMessageRecord{}, &IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
