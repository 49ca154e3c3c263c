// Package testing puts the binary into test mode when imported by a test.
package testing

import (
	"os"

	"github.com/staffdesk/staffdesk/internal/app"
)

func init() {
	_ = os.Setenv(app.TestModeEnv, "1")
}
