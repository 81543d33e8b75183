// The main package for the legalcrawl executable.
package main

import (
	"os"

	"github.com/JakeFAU/legal-registry-crawler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
