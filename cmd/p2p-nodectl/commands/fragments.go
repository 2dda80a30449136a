package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func fragmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fragments",
		Short: "List fragments held in the local index",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var fragments fragmentsView
			if err := getJSON(context.Background(), "/v1/fragments", &fragments); err != nil {
				return fmt.Errorf("list fragments: %w", err)
			}

			out, err := formatFragments(fragments, outputFormat)
			if err != nil {
				return fmt.Errorf("format fragments: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
