// WebPresence - browser to Discord Rich Presence relay
package main

import (
	"os"

	"github.com/ashureev/webpresence/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
