// sherpa is the lab CLI. It speaks the WebSocket RPC protocol to a
// sherpad server, streaming pipeline progress to the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sherpa-labs/sherpa/pkg/client"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
	"github.com/sherpa-labs/sherpa/pkg/version"
)

// Exit codes. Scripts branch on these.
const (
	exitOK        = 0
	exitError     = 1
	exitAuth      = 2
	exitNotFound  = 3
	exitOwnership = 4
)

const defaultServerURL = "ws://localhost:3030/ws"

var (
	flagServer   string
	flagInsecure bool
	flagQuiet    bool
)

func main() {
	root := &cobra.Command{
		Use:           "sherpa",
		Short:         "network lab orchestration client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", "",
		"server URL (default $SHERPA_SERVER_URL or "+defaultServerURL+")")
	root.PersistentFlags().BoolVar(&flagInsecure, "insecure", false,
		"skip server certificate verification")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"suppress streamed progress output")

	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newUpCmd(),
		newDownCmd(),
		newResumeCmd(),
		newDestroyCmd(),
		newCleanCmd(),
		newInspectCmd(),
		newSSHCmd(),
		newImageCmd(),
		newCertCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println("sherpa", version.Info())
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the CLI contract.
func exitCode(err error) int {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpc.CodeAuthInvalid, rpc.CodeAuthRequired:
			return exitAuth
		case rpc.CodeNotFound:
			return exitNotFound
		case rpc.CodeAccessDenied:
			return exitOwnership
		}
	}
	return exitError
}

func serverURL() string {
	if flagServer != "" {
		return flagServer
	}
	if env := os.Getenv("SHERPA_SERVER_URL"); env != "" {
		return env
	}
	return defaultServerURL
}

// trustPrompt asks the user about an unknown server certificate.
func trustPrompt(host, port, fingerprint string) (bool, error) {
	fmt.Fprintf(os.Stderr, "The authenticity of server %s:%s can't be established.\n", host, port)
	fmt.Fprintf(os.Stderr, "SHA-256 fingerprint: %s\n", fingerprint)
	fmt.Fprint(os.Stderr, "Trust this server and pin its certificate? [y/N]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// connect dials the server with streaming output wired to the terminal.
func connect(ctx context.Context) (*client.Client, error) {
	opts := client.Options{
		Insecure: flagInsecure,
		Prompt:   trustPrompt,
	}
	if !flagQuiet {
		opts.OnStatus = func(st progress.Status) { client.PrintStatus(os.Stderr, st) }
		opts.OnLog = func(l progress.Log) { client.PrintLog(os.Stderr, l) }
	}
	c, err := client.Dial(ctx, serverURL(), opts)
	if err != nil {
		return nil, err
	}
	// The server only streams log frames to subscribers.
	if !flagQuiet {
		if err := c.SubscribeLogs(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// sessionToken loads the stored token, telling the user to log in when
// there is none.
func sessionToken() (string, error) {
	token, err := client.LoadToken()
	if err != nil {
		return "", rpc.NewRPCError(rpc.CodeAuthRequired, "not logged in, run 'sherpa login' first")
	}
	return token, nil
}

func newLoginCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				fmt.Fprint(os.Stderr, "Username: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return err
				}
				username = strings.TrimSpace(line)
			}
			fmt.Fprint(os.Stderr, "Password: ")
			pw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var res rpc.LoginResult
			err = c.Call(ctx, rpc.MethodLogin, rpc.LoginParams{
				Username: username,
				Password: string(pw),
			}, &res)
			if err != nil {
				return err
			}
			if err := client.SaveToken(res.Token); err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", res.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.ClearToken(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}
