package config

import (
	"os"
	"strings"
)

// StrictPriceValidation makes any fee-schedule error block invoice creation
// instead of surfacing as a warning.
//
// Set via env:
// - STRICT_PRICE_VALIDATION=true
func StrictPriceValidation() bool {
	return boolEnv("STRICT_PRICE_VALIDATION")
}

// DisableSyncDispatcher turns off the background outbox dispatcher.
// Sync rows still accumulate and can be replayed later.
//
// Set via env:
// - DISABLE_SYNC_DISPATCHER=true
func DisableSyncDispatcher() bool {
	return boolEnv("DISABLE_SYNC_DISPATCHER")
}

func boolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
