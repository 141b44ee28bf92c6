package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/annotate"
	"loom/internal/config"
)

// newScanCmd creates the "loom scan" subcommand: a dry run listing the
// annotations the engine would pick up, without touching any backend.
func newScanCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List annotations without processing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			total := 0
			err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					if strings.HasPrefix(d.Name(), ".") && path != root {
						return filepath.SkipDir
					}
					return nil
				}
				if !hasExt(path, cfg.Watch.Extensions) {
					return nil
				}
				anns, err := annotate.ScanFile(path)
				if err != nil {
					return err
				}
				for _, a := range anns {
					rel, rerr := filepath.Rel(root, path)
					if rerr != nil {
						rel = path
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s:%d\t[%s/p%d]\t%s\n",
						rel, a.Line, a.Intent, a.Priority, a.Instruction)
					total++
				}
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d annotation(s)\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "project root to scan")
	return cmd
}

func hasExt(path string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
