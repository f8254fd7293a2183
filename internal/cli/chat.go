package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/AmirhsFar/Chat-Service/internal/chat"
	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/AmirhsFar/Chat-Service/internal/session"
	"github.com/AmirhsFar/Chat-Service/internal/timeline"
	"github.com/AmirhsFar/Chat-Service/internal/ws"
)

func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <room-id>",
		Short: "Join a room and chat",
		Long: `Join a room, print its recent history and stream new messages.

Lines typed on standard input are sent as messages. Commands:
  /more         load older messages
  /file <path>  send a file
  /who          list online users
  /quit         leave the room`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, rootOpts, args[0])
		},
	}
}

func runChat(cmd *cobra.Command, opts *RootOptions, roomID string) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl, err := chat.NewController(chat.ControllerConfig{
		Credentials: a.manager,
		Dial: session.WSDialer(ws.Config{
			URL:       a.cfg.ChannelURL(),
			PageOrder: a.cfg.Order(),
			Logger:    a.logger,
		}),
		RefreshInterval: time.Duration(a.cfg.RefreshInterval),
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.ExitRoom()

	ctx, cancel := untilSignal(cmd.Context(), a.logger, map[string]gfshutdown.Operation{
		"chat-room": func(context.Context) error {
			ctrl.ExitRoom()
			return nil
		},
	})
	defer cancel()

	if err := ctrl.EnterRoom(ctx, roomID); err != nil {
		return userError(err)
	}

	out := cmd.OutOrStdout()
	r := &renderer{out: out, seen: map[string]bool{}}
	if err := waitActive(ctx, ctrl, time.Duration(a.cfg.RequestTimeout)); err != nil {
		return userError(err)
	}
	fmt.Fprintf(out, "joined room %s, type /quit to leave\n", roomID)
	r.refresh(ctx, ctrl)

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctrl.LoggedOut():
			return errNotLoggedIn
		case <-ctrl.Updates():
			if ctrl.RoomID() == "" {
				return errors.New("connection to the room was lost")
			}
			r.refresh(ctx, ctrl)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, ctrl, r, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// waitActive blocks until the room's snapshot has arrived.
func waitActive(ctx context.Context, ctrl *chat.Controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for ctrl.State() != session.Active {
		select {
		case <-ctrl.Updates():
		case <-ctrl.LoggedOut():
			return errNotLoggedIn
		case <-ctx.Done():
			return fmt.Errorf("waiting for room history: %w", ctx.Err())
		}
		if ctrl.RoomID() == "" {
			return errors.New("connection to the room was lost")
		}
	}
	return nil
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func handleLine(ctx context.Context, ctrl *chat.Controller, r *renderer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/more":
		sent, err := ctrl.RequestOlderMessages(ctx)
		if err == nil && !sent {
			fmt.Fprintln(r.out, "* no older messages to load")
		}
		return false, err
	case line == "/who":
		users, err := ctrl.OnlineUsers(ctx)
		if err == nil {
			fmt.Fprintf(r.out, "* online: %s\n", strings.Join(users, ", "))
		}
		return false, err
	case strings.HasPrefix(line, "/file "):
		msg, err := fileMessage(strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
		if err != nil {
			return false, err
		}
		return false, ctrl.SendMessage(ctx, msg)
	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %s", strings.Fields(line)[0])
	}
	return false, ctrl.SendMessage(ctx, chat.Outgoing{Kind: models.KindText, Content: line})
}

func fileMessage(path string) (chat.Outgoing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Outgoing{}, err
	}
	kind := models.KindFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		kind = models.KindImage
	}
	return chat.Outgoing{Kind: kind, FileName: filepath.Base(path), File: data}, nil
}

// renderer prints log entries it has not printed yet. Entries are known by
// message id, so a snapshot replayed after a reconnect prints nothing new.
type renderer struct {
	out    io.Writer
	seen   map[string]bool
	online []string
}

func (r *renderer) refresh(ctx context.Context, ctrl *chat.Controller) {
	v, err := ctrl.View(ctx)
	if err != nil {
		return
	}
	r.render(v.Messages)
	if !slices.Equal(r.online, v.Online) {
		r.online = v.Online
		fmt.Fprintf(r.out, "* online: %s\n", strings.Join(v.Online, ", "))
	}
}

// render prints unseen entries. Unseen entries ahead of the first printed
// one came from an older page and are printed under their own header.
func (r *renderer) render(entries []timeline.Entry) {
	printed := len(r.seen) > 0
	var older, newer []models.Message
	reachedSeen := false
	for _, e := range entries {
		key := e.Key
		if e.Message.ID != "" {
			key = e.Message.ID
		}
		if r.seen[key] {
			reachedSeen = true
			continue
		}
		r.seen[key] = true
		if printed && !reachedSeen {
			older = append(older, e.Message)
		} else {
			newer = append(newer, e.Message)
		}
	}
	if len(older) > 0 {
		fmt.Fprintln(r.out, "-- earlier messages --")
		for _, m := range older {
			fmt.Fprintln(r.out, formatMessage(m))
		}
		fmt.Fprintln(r.out, "--")
	}
	for _, m := range newer {
		fmt.Fprintln(r.out, formatMessage(m))
	}
}

func formatMessage(m models.Message) string {
	at := m.Timestamp.Local().Format("15:04:05")
	switch {
	case m.Origin == models.OriginJoin:
		return fmt.Sprintf("[%s] * %s", at, m.Content)
	case m.Kind != models.KindText:
		s := fmt.Sprintf("[%s] %s sent %s %s", at, m.Username, m.Kind, m.FileName)
		if m.Content != "" {
			s += ": " + m.Content
		}
		return s
	}
	return fmt.Sprintf("[%s] %s: %s", at, m.Username, m.Content)
}
