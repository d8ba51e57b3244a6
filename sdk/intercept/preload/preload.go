// Package preload installs the ccswitch interceptor when imported for side
// effects and CCSWITCH_INTERCEPT=1 is set, which is how the process
// supervisor asks child processes to opt in:
//
//	import _ "github.com/Finesssee/ccswitch/sdk/intercept/preload"
package preload

import (
	"os"
	"strings"

	"github.com/Finesssee/ccswitch/sdk/intercept"
)

func init() {
	if Enabled() {
		intercept.Install(intercept.OptionsFromEnv())
	}
}

// Enabled reports whether the environment asks for interception.
func Enabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(intercept.EnvEnable))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
