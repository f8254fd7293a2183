package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	ServerURL  string
	Verbose    bool

	logger *slog.Logger
}

// NewRootCommand creates the root command for the chatty client.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatty",
		Short: "chatty - terminal client for Chat-Service",
		Long:  "Log in to a Chat-Service server, browse rooms and chat in real time from the terminal.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/chatty/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "server URL, overrides the config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewSignupCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewWhoamiCommand(opts))
	cmd.AddCommand(NewRoomsCommand(opts))
	cmd.AddCommand(NewOnlineCommand(opts))
	cmd.AddCommand(NewDMCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewCreateRoomCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewRequestsCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewRejectCommand(opts))
	cmd.AddCommand(NewDeleteRoomCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}
