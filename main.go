// The main package for the listing-monitor executable.
package main

import (
	"github.com/JakeFAU/listing-monitor/cmd"
)

func main() {
	cmd.Execute()
}
