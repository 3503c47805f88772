package version

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.miloapis.com/email-provider-mailchimp/pkg/version"
)

// NewVersionCommand creates the version subcommand
func NewVersionCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print build information for " + version.Binary + ", including the User-Agent sent to MailChimp",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeVersion(cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")

	return cmd
}

func writeVersion(w io.Writer, output string) error {
	info := version.Get()

	switch output {
	case "json":
		data, err := json.MarshalIndent(struct {
			version.Info
			UserAgent string `json:"userAgent"`
		}{info, version.UserAgent()}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "text":
		_, err := fmt.Fprintf(w, "%s\nUser-Agent: %s\n", info, version.UserAgent())
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", output)
	}
}
