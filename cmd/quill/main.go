// Package main is the entry point for the quill signing service.
package main

import (
	"os"

	"github.com/quillsign/quill/cmd/quill/app"
	"github.com/quillsign/quill/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
