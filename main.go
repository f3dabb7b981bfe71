package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/haraldh/steward/ext/sgx/quote"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <quote file>\n", os.Args[0])
		os.Exit(2)
	}
	if err := dumpQuote(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpQuote(path string) error {
	rawQuote, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	parsedQuote, err := quote.Parse(rawQuote)
	if err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(parsedQuote, "", " ")
	if err != nil {
		return err
	}

	fmt.Println(string(prettyPrint))

	return nil
}
