// Command calypso runs Calypso card transactions on PC/SC readers, or on a
// simulated card and SAM with --simulate.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gregLibert/calypso/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	if err := newRootCmd().Execute(); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var settings logging.Settings
	app := &app{}

	rootCmd := &cobra.Command{
		Use:   "calypso",
		Short: "Calypso card transactions on PC/SC readers",
		Long: `calypso selects Calypso cards and SAMs inserted in PC/SC readers and runs
transactions on them: reading files, secure sessions, Stored Value and PIN.

Secure sessions, Stored Value and ciphered PIN need a SAM, given with --sam-reader.
With --simulate, an in-memory card (PIN 1234, balance 100) and SAM replace the readers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(&settings)
			if err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}
			app.logger = logger
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&settings.Level, "log-level", logging.LevelInfo, "log level (debug, info, warning, error)")
	flags.StringVar(&settings.Type, "log-type", logging.TypeConsole, "log output (console, file)")
	flags.StringVar(&settings.FilePath, "log-file", "calypso.log", "log file path for the file output")
	flags.IntVar(&settings.MaxSize, "log-max-size", 10, "log file size in MB before rotation")
	flags.IntVar(&settings.MaxBackups, "log-max-backups", 3, "rotated log files kept")
	flags.IntVar(&settings.MaxAge, "log-max-age", 28, "days a rotated log file is kept")
	flags.StringVar(&app.cardReader, "reader", "", "PC/SC reader holding the card (first reader by default)")
	flags.StringVar(&app.samReader, "sam-reader", "", "PC/SC reader holding the SAM")
	flags.StringVar(&app.aid, "aid", defaultAID, "AID of the Calypso application, in hexadecimal")
	flags.BoolVar(&app.simulate, "simulate", false, "use a simulated card and SAM instead of PC/SC readers")

	rootCmd.AddCommand(
		newReadersCmd(app),
		newReadCmd(app),
		newSessionCmd(app),
		newSvCmd(app),
		newPinCmd(app),
	)

	return rootCmd
}

func init() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.SetOutput(os.Stderr)
}

// app holds what the sub-commands share: the logger and the reader selection.
type app struct {
	logger     *slog.Logger
	cardReader string
	samReader  string
	aid        string
	simulate   bool
	sim        *simulator
}
