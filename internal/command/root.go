package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "threadline"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Threadline - resilient chat thread client",
		Long:          "Threadline keeps a chat thread consistent across flaky connections: optimistic sends, an offline outbox, resumable uploads and persisted drafts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "config file (default ~/.config/threadline/config.yaml)")
	cmd.PersistentFlags().String("type", "", "thread type: community or private")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewTailCmd(),
		NewSendCmd(),
		NewDraftCmd(),
		NewOutboxCmd(),
		NewUploadsCmd(),
		NewConfigCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
