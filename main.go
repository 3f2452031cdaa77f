package main

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/msikvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "msikvm: %v\n", err)
		os.Exit(1)
	}
}
