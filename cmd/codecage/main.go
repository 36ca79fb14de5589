// Command codecage runs the scripting sandbox server described in
// SPEC_FULL.md: one process, N worker threads, connection-per-request TCP.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jakajancar/eval-the-evil/internal/sandbox"
	"github.com/jakajancar/eval-the-evil/internal/server"
)

const (
	exitHelp  = 1
	exitFatal = 2
)

var (
	flagPort    int
	flagThreads int
)

var rootCmd = &cobra.Command{
	Use:           "codecage",
	Short:         "codecage runs a sandboxed scripting-engine evaluation server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", 1101, "TCP port to listen on")
	rootCmd.Flags().IntVar(&flagThreads, "threads", runtime.NumCPU(), "number of worker threads")
}

func main() {
	helpRequested := false
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helpRequested = true
		defaultHelpFunc(cmd, args)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitFatal)
	}
	if helpRequested {
		os.Exit(exitHelp)
	}
}

// runServer constructs the server and blocks until a shutdown signal
// arrives, per SPEC_FULL.md's cmd/codecage exit-code contract: a
// construction failure here (bind/listen/GlobalEngine) returns an error,
// which main reports and turns into exit code 2.
func runServer(cmd *cobra.Command, args []string) error {
	limits := sandbox.DefaultLimits()

	srv, err := server.New(flagPort, flagThreads, limits)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-sigCh:
		// A clean shutdown request. The worker threads run forever
		// accepting connections; there is no graceful-drain handshake
		// in this protocol (spec.md §6 is connection-per-request with
		// no keep-alive), so we exit immediately rather than wait on
		// srv.Run, which would otherwise block until every listener's
		// Accept loop errors out on its own.
		os.Exit(0)
		return nil
	}
}
