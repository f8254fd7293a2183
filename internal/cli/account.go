package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type LoginOptions struct {
	*RootOptions
	Username string
	Password string
}

func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the access token",
		Long: `Log in with a username or email and save the access token for later commands.

The password is read from standard input when --password is not given.

Example:
  chatty login -u alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "username or email")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

// readPassword returns flag, or a line read from standard input when the
// flag is empty.
func readPassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, opts *LoginOptions) error {
	password, err := readPassword(cmd, opts.Password)
	if err != nil {
		return err
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	token, err := a.client.Login(cmd.Context(), opts.Username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	cred, err := a.manager.SetToken(token)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (token valid until %s)\n",
		cred.Username, cred.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

type SignupOptions struct {
	*RootOptions
	Email    string
	Username string
	Password string
}

func NewSignupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Long: `Create an account on the server. Log in afterwards with 'chatty login'.

The password is read from standard input when --password is not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, opts.Password)
			if err != nil {
				return err
			}
			a, err := openApp(opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.client.Signup(cmd.Context(), opts.Email, opts.Username, password)
			if err != nil {
				return fmt.Errorf("signup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created account %s <%s>\nid: %s\n", user.Username, user.Email, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			a.manager.Clear()
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func NewWhoamiCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.session().CurrentUser(cmd.Context())
			if err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\nid: %s\n", user.Username, user.Email, user.ID)
			return nil
		},
	}
}
