package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/playhost/internal/gameplay"
)

func newValidateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "validate <file.js>",
		Short: "Load a game module and print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
			defer cancel()

			loader := gameplay.NewLoader(gameplay.LoaderConfig{Timeout: timeout})
			meta, err := loader.Meta(ctx, path)
			if err != nil {
				if code := gameplay.CodeOf(err); code != "" {
					return fmt.Errorf("%s: %w", code, err)
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", gameplay.DefaultLoadTimeout, "module evaluation timeout")
	return cmd
}
