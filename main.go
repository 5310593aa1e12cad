// Command statementcrawler scrapes financial-statement tables for ticker symbols.
package main

import (
	"os"

	"github.com/JakeFAU/statement-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
