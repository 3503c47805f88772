package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	manager "go.miloapis.com/email-provider-mailchimp/cmd/manager"
	members "go.miloapis.com/email-provider-mailchimp/cmd/members"
	version "go.miloapis.com/email-provider-mailchimp/cmd/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "email-provider-mailchimp",
		Short: "MailChimp is the mailing list provider for Milo",
		Long:  "A Kubernetes controller that keeps Milo contact groups in sync with MailChimp lists.",
	}

	rootCmd.AddCommand(manager.CreateManagerCommand())
	rootCmd.AddCommand(members.NewMembersCommand())
	rootCmd.AddCommand(version.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
