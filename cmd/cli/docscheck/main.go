package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/qbrc-cnap/mev-procman/pkg/docsite"
)

type flagOptions struct {
	Manifest string `long:"manifest" short:"m" description:"path to the documentation-site manifest" required:"true"`
	DocsDir  string `long:"docs" short:"d" description:"docs source directory (default: docs/ next to the manifest)"`
	Summary  bool   `long:"summary" description:"print a manifest summary after validation"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	docsDir := opts.DocsDir
	if docsDir == "" {
		docsDir = filepath.Join(filepath.Dir(opts.Manifest), "docs")
	}

	manifest, err := docsite.LoadManifest(opts.Manifest)
	if err != nil {
		fmt.Printf("Failed to load manifest: %v\n", err)
		os.Exit(1)
	}

	violations := docsite.ValidateManifest(manifest, docsDir)
	for _, violation := range violations {
		fmt.Printf("FAIL %s\n", violation)
	}

	if opts.Summary {
		summary := docsite.GetManifestSummary(manifest)
		fmt.Printf("Site:     %s\n", summary.SiteName)
		if summary.RepoURL != "" {
			fmt.Printf("Repo:     %s\n", summary.RepoURL)
		}
		if summary.ThemeName != "" {
			fmt.Printf("Theme:    %s\n", summary.ThemeName)
		}
		fmt.Printf("Nav:      %d pages, %d sections, depth %d\n",
			summary.PageCount, summary.SectionCount, summary.MaxDepth)
	}

	if len(violations) > 0 {
		fmt.Printf("%d problem(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("Manifest is valid")
}
