// oipd is the record index daemon: it follows signed records on Arweave and
// GUN, verifies them, projects them into Elasticsearch and serves the query
// and publish API.
package main

import (
	"os"

	"github.com/oipwg/oipd/cli"
)

func main() {
	os.Exit(cli.Execute())
}
