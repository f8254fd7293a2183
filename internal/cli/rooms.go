package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AmirhsFar/Chat-Service/internal/chat"
	"github.com/AmirhsFar/Chat-Service/internal/models"
)

type RoomsOptions struct {
	*RootOptions
	Private bool
	Watch   bool
}

func NewRoomsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RoomsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms you belong to",
		Long: `List the group rooms you belong to, or private rooms with --private.

With --watch the list is refreshed every poll_interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Private, "private", false, "list private rooms")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "keep refreshing the list")

	return cmd
}

func runRooms(cmd *cobra.Command, opts *RoomsOptions) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	poller, err := chat.NewRoomPoller(chat.RoomPollerConfig{
		Directory: a.session(),
		OnLogout:  a.manager.Clear,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	if !opts.Watch {
		r := poller.Refresh(cmd.Context())
		if r.Err != nil {
			return userError(r.Err)
		}
		printRooms(cmd.OutOrStdout(), r, opts.Private)
		return nil
	}

	ctx, cancel := untilSignal(cmd.Context(), a.logger, nil)
	defer cancel()
	for r := range poller.Poll(ctx, time.Duration(a.cfg.PollInterval)) {
		if r.Err != nil {
			if err := userError(r.Err); err == errNotLoggedIn {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "refresh failed: %v\n", r.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "-- %s --\n", r.At.Local().Format("15:04:05"))
		printRooms(cmd.OutOrStdout(), r, opts.Private)
	}
	return nil
}

func printRooms(w io.Writer, r chat.Rooms, private bool) {
	rooms := r.Group
	if private {
		rooms = r.Private
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLAST ACTIVITY")
	for _, room := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", room.ID, roomName(room), lastActivity(room))
	}
	tw.Flush()
	if private && len(r.OnlineUsers) > 0 {
		fmt.Fprintf(w, "online: %v\n", r.OnlineUsers)
	}
}

func roomName(room models.RoomSummary) string {
	if room.Name != "" {
		return room.Name
	}
	return "(private)"
}

func lastActivity(room models.RoomSummary) string {
	if room.LastActivity == nil || room.LastActivity.IsZero() {
		return "-"
	}
	return room.LastActivity.Local().Format("2006-01-02 15:04")
}

func NewOnlineCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "List online users you share a private room with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.session().PrivateOnlineUsers(cmd.Context())
			if err != nil {
				return userError(err)
			}
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nobody is online")
				return nil
			}
			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}
}

func NewDMCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <user-id>",
		Short: "Open a private room with another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			roomID, err := a.session().CreatePrivateRoom(cmd.Context(), args[0])
			if err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", roomID)
			return nil
		},
	}
}
