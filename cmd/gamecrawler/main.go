// Package main wires together the crawler service binaries.
package main

import "github.com/JakeFAU/game-catalog-crawler/cmd"

func main() {
	cmd.Execute()
}
