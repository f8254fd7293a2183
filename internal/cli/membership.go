package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewCreateRoomCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-room <name>",
		Short: "Create a group room you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			room, err := a.session().CreateGroupRoom(cmd.Context(), args[0])
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), room.ID)
			return nil
		},
	}
}

type JoinOptions struct {
	*RootOptions
	Message string
}

func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join <room-id>",
		Short: "Ask to join a group room",
		Long: `Send a join request to the owner of a group room.

The owner sees it with 'chatty requests' and answers with 'chatty approve'
or 'chatty reject'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			jr, err := a.session().RequestToJoin(cmd.Context(), args[0], opts.Message)
			if err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "join request %s sent\n", jr.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "message for the room owner")
	return cmd
}

func NewRequestsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requests <room-id>",
		Short: "List join requests for a room you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			details, err := a.session().ChatRoomDetails(cmd.Context(), args[0])
			if err != nil {
				return userError(err)
			}
			out := cmd.OutOrStdout()
			if len(details.JoinRequests) == 0 {
				fmt.Fprintf(out, "no join requests for %s\n", roomName(details.Room))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tSTATUS\tMESSAGE")
			for _, jr := range details.JoinRequests {
				user := "-"
				if jr.User != nil {
					user = jr.User.Username
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", jr.ID, user, jr.Status(), jr.Message)
			}
			return tw.Flush()
		},
	}
}

func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return newAnswerCommand(rootOpts, "approve", "Approve a join request", true)
}

func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	return newAnswerCommand(rootOpts, "reject", "Reject a join request", false)
}

func newAnswerCommand(rootOpts *RootOptions, use, short string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.session().AnswerJoinRequest(cmd.Context(), args[0], approve)
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func NewDeleteRoomCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-room <room-id>",
		Short: "Delete a room you own with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session().DeleteChatRoom(cmd.Context(), args[0]); err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted room %s\n", args[0])
			return nil
		},
	}
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "status <online|offline>",
		Short:     "Set whether others see you as online",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session().SetOnlineStatus(cmd.Context(), args[0] == "online"); err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status set to %s\n", args[0])
			return nil
		},
	}
}
