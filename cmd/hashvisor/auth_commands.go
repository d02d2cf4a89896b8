package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/hashvisor/internal/auth"
	"github.com/spf13/cobra"
)

const passwordEnv = "HASHVISOR_PASSWORD"

func createAuthCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "API authentication helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "hash-password [password]",
			Short: "Print the bcrypt hash for a [[server.auth.users]] entry",
			Long: `Print the bcrypt hash to paste into password_hash. Without an argument
the password is read from the first line of stdin.`,
			Args: cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pw, err := passwordArg(args, cmd.InOrStdin())
				if err != nil {
					return err
				}
				h, err := auth.HashPassword(pw)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
				return nil
			},
		},
		&cobra.Command{
			Use:   "login",
			Short: "Print a bearer token for --user",
			Long: `Exchange --user and its password for a bearer token. The password is
taken from HASHVISOR_PASSWORD or the first line of stdin. Export the token
as HASHVISOR_TOKEN for later commands.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if flags.User == "" {
					return errors.New("--user is required")
				}
				pw := os.Getenv(passwordEnv)
				if pw == "" {
					var err error
					if pw, err = passwordArg(nil, cmd.InOrStdin()); err != nil {
						return err
					}
				}
				c, err := newClient(flags)
				if err != nil {
					return err
				}
				tok, err := c.Login(cmd.Context(), flags.User, pw)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
				return nil
			},
		},
	)
	return cmd
}

func passwordArg(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}
