// Command gatewayctl is the operator CLI: schema migrations, secret sealing,
// descriptor checks, audit queries and directory syncs.
package main

import "fabricgate.org/cmd/gatewayctl/cli"

func main() {
	cli.Execute()
}
