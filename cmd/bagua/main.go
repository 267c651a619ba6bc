// Command bagua operates a bagua store: migrations, schema validation,
// outbox relay and transaction conformance scenarios.
package main

import (
	"os"

	"github.com/roach88/bagua/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
