// main - main entry-point to payments-service commands through cobra
// individual commands are outlined in ./cmd/
package main

import (
	"github.com/marketforge/payments-service/cmd"
	"github.com/marketforge/payments-service/libs/logging"
)

var (
	// variables will be overwritten at build time
	version   string
	commit    string
	buildTime string
)

func main() {
	defer func() {
		if logging.Writer != nil {
			logging.Writer.Close()
		}
	}()
	cmd.Execute(version, commit, buildTime)
}
