package cli

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/pkg/runtime"
)

var (
	chatSessionKey  string
	chatMetricsAddr string
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Run a conversation turn",
	Long: `Run one conversation turn against the configured AI profiles.
With a prompt argument the turn runs once and exits. Without one an
interactive prompt loop starts; Ctrl-C aborts the active turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionKey, "session", "s", "default", "session key to run the turn in")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.newRunner()
	if err != nil {
		return err
	}

	if chatMetricsAddr != "" {
		srv := &http.Server{Addr: chatMetricsAddr, Handler: observability.MetricsHandler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Warn().Err(err).Msg("Metrics endpoint failed")
			}
		}()
		defer srv.Close()
	}

	if len(args) > 0 {
		return runTurn(cmd, runner, strings.Join(args, " "))
	}

	// Interactive loop. SIGINT aborts the in-flight turn rather than
	// killing the process; a second Ctrl-C on an idle prompt exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if runner.IsRunning(chatSessionKey) {
				runner.Abort(chatSessionKey)
			} else {
				os.Exit(0)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprintf(cmd.OutOrStdout(), "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if prompt == "/quit" || prompt == "/exit" {
			return nil
		}
		if err := runTurn(cmd, runner, prompt); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
	}
}

func runTurn(cmd *cobra.Command, runner *runtime.Runner, prompt string) error {
	result, err := runner.Run(cmd.Context(), runtime.RunParams{
		SessionKey: chatSessionKey,
		Prompt:     prompt,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, result.Text)
	if result.Bailed {
		fmt.Fprintf(out, "\n[turn paused after %d round trips; send another message to continue]\n", result.RoundTrips)
	}
	return nil
}
