package models

import (
	"log"

	"bitbucket.org/datafocusmx/renec_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Standard{}, &Certifier{}, &EvaluationCenter{},
		&Accreditation{}, &CenterOffering{},
		&SyncJob{}, &SyncJobError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
