package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"syscall"

	"github.com/Nismirno/TheBotVanished/thebotvanished"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// minTokenLength rejects obviously truncated discord tokens
const minTokenLength = 50

// passwordReader is a function type for reading secrets without echo. It's
// really only here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the settings store and set the bot token, prefix and owner",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		logger := slog.Default()

		opts := thebotvanished.ManagerOptions{
			DataPath:    cfg.DataPath,
			StorageType: cfg.StorageType,
			CompactJSON: cfg.CompactJSON,
			Logger:      logger,
		}
		if cfg.StorageType != thebotvanished.StorageTypeJSON {
			if cfg.Database == "" {
				log.Fatalf(
					"Environment variable %s_DATABASE not set (must be a valid "+
						"database connection string or sqlite file path)",
					thebotvanished.DefaultEnvPrefix,
				)
			}
			db, err := thebotvanished.CreateDB(
				ctx,
				cfg.StorageType,
				cfg.Database,
				logger.Handler(),
				cfg.DatabaseSlowThreshold,
			)
			if err != nil {
				log.Fatalf("Error creating database: %v", err)
			}
			if sqlDB, e := db.DB(); e == nil {
				defer sqlDB.Close()
			}
			opts.DB = db
		}

		stores, err := thebotvanished.NewManager(opts)
		if err != nil {
			log.Fatalf("Error opening settings: %v", err)
		}
		core, err := stores.Core(ctx)
		if err != nil {
			log.Fatalf("Error opening core settings: %v", err)
		}
		if err = thebotvanished.RegisterCoreDefaults(core); err != nil {
			log.Fatalf("Error registering core settings: %v", err)
		}

		out := cmd.OutOrStdout()
		reader := bufio.NewReader(cmd.InOrStdin())

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var token string
		if err = core.Decode(thebotvanished.Global(), "token", &token); err != nil {
			log.Fatalf("Error reading token: %v", err)
		}
		if token == "" {
			fmt.Fprintln(out, "The bot token is not set. Let's set it up.")
			for {
				fmt.Fprint(out, "Enter discord bot token: ")
				tokenBytes, readErr := customPasswordReader()
				fmt.Fprintln(out)
				if readErr != nil {
					log.Fatalf("Error reading token: %v", readErr)
				}
				token = strings.TrimSpace(string(tokenBytes))
				if len(token) >= minTokenLength {
					break
				}
				fmt.Fprintln(out, "That doesn't look like a valid token. Please try again.")
			}
			if err = core.Set(thebotvanished.Global(), "token", token); err != nil {
				log.Fatalf("Error saving token: %v", err)
			}
			fmt.Fprintln(out, "Token set successfully.")
		} else {
			fmt.Fprintln(out, "The bot token is already set.")
		}

		var prefixes []string
		if err = core.Decode(thebotvanished.Global(), "prefix", &prefixes); err != nil {
			log.Fatalf("Error reading prefixes: %v", err)
		}
		if len(prefixes) == 0 {
			for {
				prefix, readErr := prompt(out, reader, "Enter command prefix: ")
				if readErr != nil {
					log.Fatalf("Error reading prefix: %v", readErr)
				}
				if prefix != "" {
					prefixes = []string{prefix}
					break
				}
				fmt.Fprintln(out, "The prefix cannot be empty.")
			}
			if err = core.Set(thebotvanished.Global(), "prefix", prefixes); err != nil {
				log.Fatalf("Error saving prefix: %v", err)
			}
		}

		var owner string
		if err = core.Decode(thebotvanished.Global(), "owner", &owner); err != nil {
			log.Fatalf("Error reading owner: %v", err)
		}
		if owner == "" {
			owner, err = prompt(out, reader, "Enter the owner's discord user ID (blank to skip): ")
			if err != nil && !errors.Is(err, io.EOF) {
				log.Fatalf("Error reading owner: %v", err)
			}
			if owner != "" {
				if err = core.Set(thebotvanished.Global(), "owner", owner); err != nil {
					log.Fatalf("Error saving owner: %v", err)
				}
			}
		}

		if err = stores.Close(ctx); err != nil {
			log.Fatalf("Error saving settings: %v", err)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func prompt(out io.Writer, reader *bufio.Reader, text string) (string, error) {
	fmt.Fprint(out, text)
	line, err := reader.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimSpace(line), err
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
