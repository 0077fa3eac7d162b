package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/jsonl"
	"github.com/spherical/ocr-pipeline/internal/ui"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file.jsonl>",
		Short: "Check that an output file parses and holds each image once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return domain.IOError(fmt.Sprintf("open %s", path), err)
			}
			defer f.Close()

			seen := make(map[string]int)
			count := 0
			err = jsonl.Scan(f, func(line int, rec domain.OutputRecord) error {
				key := rec.ID
				if rec.FileID != "" {
					key = rec.FileID
				}
				if rec.Page > 0 {
					key = fmt.Sprintf("%s#%d", key, rec.Page)
				}
				if first, dup := seen[key]; dup {
					return fmt.Errorf("duplicate record %q, first seen on line %d", rec.ID, first)
				}
				seen[key] = line
				count++
				return nil
			})
			if err != nil {
				ui.Error(cmd.ErrOrStderr(), "%s: %v", path, err)
				return domain.ValidationError(fmt.Sprintf("verify %s", path), err)
			}

			ui.Success(cmd.OutOrStdout(), "%s: %d records", path, count)
			return nil
		},
	}
}
