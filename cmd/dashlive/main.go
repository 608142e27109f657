// The dashlive command follows a DASH manifest and serves it as HLS.
package main

import (
	"os"

	"github.com/agleyzer/dashlive/cmd/dashlive/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
