package members

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"go.miloapis.com/email-provider-mailchimp/internal/config"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// NewMembersCommand creates the members subcommand, a thin command line
// front end to the list member operations.
func NewMembersCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage members of a MailChimp list",
		Long:  "Add, read, update and remove members of a MailChimp list using the manager's configuration.",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			ctrl.SetLogger(zap.New(zap.UseDevMode(verbose)))
		},
	}

	config.BindFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log request and response details.")

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newUpdateCommand())
	cmd.AddCommand(newRemoveCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	var payload payloadFlags

	cmd := &cobra.Command{
		Use:   "add EMAIL",
		Short: "Subscribe an e-mail address to the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := payload.options()
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, c *mailchimp.Client) (bool, error) {
				return c.CreateMember(ctx, args[0], opts)
			})
		},
	}
	payload.bind(cmd.Flags())
	return cmd
}

func newGetCommand() *cobra.Command {
	var (
		fields, excludeFields []string
		count, offset         int
	)

	cmd := &cobra.Command{
		Use:   "get [EMAIL]",
		Short: "Show a list member, or the whole list when no address is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var email string
			if len(args) == 1 {
				email = args[0]
			}

			var opts mailchimp.Options
			if len(fields) > 0 {
				opts = opts.With("fields", fieldSelectors(fields))
			}
			if len(excludeFields) > 0 {
				opts = opts.With("exclude_fields", fieldSelectors(excludeFields))
			}
			if cmd.Flags().Changed("count") {
				opts = opts.With("count", count)
			}
			if cmd.Flags().Changed("offset") {
				opts = opts.With("offset", offset)
			}

			return run(cmd, func(ctx context.Context, c *mailchimp.Client) (bool, error) {
				return c.GetMemberInfo(ctx, email, opts)
			})
		},
	}

	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to return, e.g. merge_fields.FNAME,status.")
	cmd.Flags().StringSliceVar(&excludeFields, "exclude-fields", nil, "Fields to leave out, e.g. _links.")
	cmd.Flags().IntVar(&count, "count", 10, "Number of members to return when reading the whole list.")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of members to skip when reading the whole list.")
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var payload payloadFlags

	cmd := &cobra.Command{
		Use:   "update EMAIL",
		Short: "Update a list member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := payload.options()
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, c *mailchimp.Client) (bool, error) {
				return c.UpdateMember(ctx, args[0], opts)
			})
		},
	}
	payload.bind(cmd.Flags())
	return cmd
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove EMAIL",
		Short: "Delete a member from the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *mailchimp.Client) (bool, error) {
				return c.RemoveMember(ctx, args[0])
			})
		},
	}
}

// run builds a client from the command's configuration, performs op and
// prints the upstream response.
func run(cmd *cobra.Command, op func(context.Context, *mailchimp.Client) (bool, error)) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	opts := append(cfg.ClientOptions(),
		mailchimp.WithHTTPClient(&http.Client{Timeout: cfg.MailChimp.Timeout}),
		mailchimp.WithLogger(ctrl.Log.WithName("mailchimp")),
	)
	client, err := mailchimp.NewSDK(cfg.MailChimp.Key, opts...)
	if err != nil {
		return fmt.Errorf("failed to create MailChimp client: %w", err)
	}

	ok, err := op(cmd.Context(), client)
	if err != nil {
		return err
	}

	outcome := client.LastOutcome()
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", outcome.StatusCode)
	if len(outcome.Body) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), outcome.Body)
	}
	if !ok {
		if err := outcome.Err(); err != nil {
			return err
		}
		return fmt.Errorf("unexpected status %d", outcome.StatusCode)
	}
	return nil
}

type payloadFlags struct {
	set         []string
	mergeFields []string
}

func (p *payloadFlags) bind(fs *pflag.FlagSet) {
	fs.StringArrayVar(&p.set, "set", nil, "Member attribute as KEY=VALUE, e.g. status=pending. Repeatable.")
	fs.StringArrayVar(&p.mergeFields, "merge-field", nil, "Merge field as TAG=VALUE, e.g. FNAME=Jane. Repeatable.")
}

func (p *payloadFlags) options() (mailchimp.Options, error) {
	var opts mailchimp.Options
	for _, kv := range p.set {
		key, value, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		opts = opts.With(key, value)
	}

	if len(p.mergeFields) > 0 {
		var merge mailchimp.Options
		for _, kv := range p.mergeFields {
			key, value, err := splitPair(kv)
			if err != nil {
				return nil, err
			}
			merge = merge.With(key, value)
		}
		opts = opts.With("merge_fields", merge)
	}
	return opts, nil
}

func splitPair(kv string) (string, string, error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("expected KEY=VALUE, got %q", kv)
	}
	return key, value, nil
}

// fieldSelectors turns dotted selectors ("merge_fields.FNAME", "status")
// into the nested form the client flattens back into a selector list.
func fieldSelectors(paths []string) mailchimp.Options {
	var out mailchimp.Options
	for _, path := range paths {
		parent, child, nested := strings.Cut(path, ".")
		if !nested {
			out = out.With(path, true)
			continue
		}

		var children mailchimp.Options
		if existing, ok := out.Get(parent); ok {
			children, _ = existing.(mailchimp.Options)
		}
		children = append(children, mailchimp.Option{Key: child, Value: child})
		out = out.With(parent, children)
	}
	return out
}
