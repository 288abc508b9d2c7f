// Package guard switches the binaries into test mode for any test binary that
// imports it, so startup paths skip migrations and cron registration.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode mirrors the flag read by app.InTestMode.
const EnvTestMode = "ARLEDGER_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
	})
}
