// Command harvester runs the multi-user catalog harvesting service.
package main

import "github.com/JakeFAU/catalog-harvester/cmd"

func main() {
	cmd.Execute()
}
