package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func commandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Inject a delete or download command into the node",
	}

	cmd.AddCommand(commandDeleteCmd())
	cmd.AddCommand(commandDownloadCmd())

	return cmd
}

func commandDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <fragment-id>...",
		Short: "Delete one or more fragments by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := struct {
				IDs []string `json:"ids"`
			}{IDs: args}
			if err := postJSON(context.Background(), "/v1/commands/delete", body); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Printf("delete accepted for %d fragment(s)\n", len(args))
			return nil
		},
	}
}

func commandDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <url>...",
		Short: "Fetch one or more fragments from an origin URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := struct {
				URLs []string `json:"urls"`
			}{URLs: args}
			if err := postJSON(context.Background(), "/v1/commands/download", body); err != nil {
				return fmt.Errorf("download: %w", err)
			}
			fmt.Printf("download accepted for %d url(s)\n", len(args))
			return nil
		},
	}
}
