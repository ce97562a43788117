// homecloud serves local directories as password-protected clouds, one port
// per cloud.
//
// Commands:
//   - serve: start the admin listener and the configured clouds
//   - hash-password: print a bcrypt hash for the clouds file
//   - check-config: validate the configuration and print the clouds
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
