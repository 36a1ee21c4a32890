// Command vqa-client sends a directory of images to the scoring service in
// batches and evaluates the accepted set against ground-truth labels.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
