// Command s3inv-query searches and summarizes S3 Inventory snapshots
// without downloading the whole inventory first.
package main

import (
	"os"

	"github.com/eunmann/s3-inv-query/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
