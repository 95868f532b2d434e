package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/porthorian/recipebox"
)

type watchConfig struct {
	Email     string
	Password  string
	SignUp    bool
	Verbosity int
}

func init() {
	rootCmd.AddCommand(newSessionCommand())
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the client session lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfg := watchConfig{}
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a session manager against the configured backend and print every state change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, cfg)
		},
	}
	watchCmd.Flags().StringVar(&cfg.Email, "email", "", "Sign in with this email after initialization.")
	watchCmd.Flags().StringVar(&cfg.Password, "password", "", "Password for --email. Can also be set via RECIPEBOX_PASSWORD.")
	watchCmd.Flags().BoolVar(&cfg.SignUp, "sign-up", false, "Register --email first, signing the new account in.")
	watchCmd.Flags().IntVarP(&cfg.Verbosity, "verbosity", "v", 0, "Log verbosity.")

	sessionCmd.AddCommand(watchCmd)
	return sessionCmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, cfg watchConfig) error {
	runtime, err := recipebox.LoadRuntimeConfig()
	if err != nil {
		return err
	}
	if runtime.Provider.Backend == "" || runtime.Provider.Backend == recipebox.ProviderBackendNone {
		runtime.Provider.Backend = recipebox.ProviderBackendMemory
	}

	client, err := recipebox.New(recipebox.Config{
		Logger:  newCLILogger(cmd, cfg.Verbosity),
		Runtime: runtime,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			cmd.PrintErrf("warning: failed to close client cleanly: %v\n", closeErr)
		}
	}()

	unsubscribe := client.Subscribe(func(state recipebox.State) {
		cmd.Println(describeState(state))
	})
	defer unsubscribe()

	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	if cfg.Email != "" {
		password := cfg.Password
		if password == "" {
			password = lookupEnv("RECIPEBOX_PASSWORD")
		}
		credentials := recipebox.Credentials{Email: cfg.Email, Password: password}

		if cfg.SignUp {
			err = client.SignUp(ctx, credentials, recipebox.SignUpOptions{AutoSignIn: true})
		} else {
			err = client.SignIn(ctx, credentials)
		}
		if err != nil {
			return fmt.Errorf("authenticate %s: %w", cfg.Email, err)
		}
	}

	<-ctx.Done()
	cmd.Println("Stopping session watcher.")

	if client.IsAuthenticated() {
		signOutCtx := context.WithoutCancel(ctx)
		if err := client.SignOut(signOutCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sign out: %w", err)
		}
	}
	return nil
}

func describeState(state recipebox.State) string {
	parts := []string{"status=" + state.Status.String()}
	if state.Session != nil {
		parts = append(parts,
			"user="+state.Session.User.Email,
			"expires_at="+state.Session.ExpiresAt.Format("15:04:05"),
		)
	}
	if message := state.ErrorMessage(); message != "" {
		parts = append(parts, fmt.Sprintf("error=%q", message))
	}
	return strings.Join(parts, " ")
}

func newCLILogger(cmd *cobra.Command, verbosity int) logr.Logger {
	out := cmd.ErrOrStderr()
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(out, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(out, args)
	}, funcr.Options{Verbosity: verbosity})
}
