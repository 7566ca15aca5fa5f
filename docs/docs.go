//go:build docs

package main

import (
	"context"
	"fmt"
	"os"
	"path"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra/doc"

	"github.com/maxgio92/tracecore/internal/settings"
	"github.com/maxgio92/tracecore/pkg/cmd"
	"github.com/maxgio92/tracecore/pkg/cmd/options"
)

const docsDir = "docs"

var linkHandler = func(filename string) string {
	if filename == settings.CmdName+".md" {
		return "README.md"
	}

	return path.Join(docsDir, filename)
}

func main() {
	opts := options.NewCommonOptions(
		options.WithContext(context.Background()),
		options.WithLogger(log.New(os.Stderr).Level(log.InfoLevel)),
	)

	if err := doc.GenMarkdownTreeCustom(
		cmd.NewRootCmd(opts),
		docsDir,
		func(string) string { return "" },
		linkHandler,
	); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
