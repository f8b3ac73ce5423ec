package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"freebusy/internal/aggregator"
	"freebusy/internal/availability"
	"freebusy/internal/config"
	"freebusy/internal/google"
	"freebusy/internal/microsoft"
	"freebusy/internal/tokenstore"
	"freebusy/internal/watch"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "freebusy",
		Usage: "Answer availability questions across Google, CalDAV, ICS, Microsoft and Thunderbird calendars.",
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			checkCommand(),
			slotsCommand(),
			watchCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate a Google or Microsoft account to get an API token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: "google", Usage: "google or microsoft"},
			&cli.StringFlag{Name: "account", Usage: "Name for this account (e.g., 'personal', 'work')."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			cfg, err := config.Load(os.Getenv)
			if err != nil {
				return err
			}

			var (
				oauthConfig *oauth2.Config
				exchange    func(context.Context, *oauth2.Config, string) (*oauth2.Token, error)
				prefix      string
			)
			switch c.String("provider") {
			case "google":
				oauthConfig, err = google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret)
				exchange, prefix = google.TokenFromWeb, tokenstore.GooglePrefix
			case "microsoft":
				oauthConfig, err = microsoft.GetOAuthConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant)
				exchange, prefix = microsoft.TokenFromWeb, tokenstore.MicrosoftPrefix
			default:
				return fmt.Errorf("unknown provider %q", c.String("provider"))
			}
			if err != nil {
				return fmt.Errorf("failed to get %s oauth config: %w", c.String("provider"), err)
			}
			logger.Info("Starting authentication flow.", "provider", c.String("provider"))

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := exchange(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			accountName := c.String("account")
			if accountName == "" {
				fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
				accountName, _ = reader.ReadString('\n')
				accountName = strings.TrimSpace(accountName)
			}
			if accountName == "" {
				return fmt.Errorf("account name must not be empty")
			}

			tokens := tokenstore.Store{Dir: cfg.TokenDir, Prefix: prefix}
			if err := tokens.Save(accountName, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokens.Path(accountName))
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars of every configured source.",
		Action: func(c *cli.Context) error {
			return withService(c, func(svc *availability.Service, _ *slog.Logger) error {
				calendars, sourceErrs := svc.Calendars(c.Context)
				return printJSON(os.Stdout, struct {
					Calendars    any                      `json:"calendars"`
					SourceErrors []aggregator.SourceError `json:"sourceErrors,omitempty"`
				}{calendars, sourceErrs})
			})
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Check whether candidate windows are free.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "window", Aliases: []string{"w"}, Required: true, Usage: "Candidate window START[/END]; a missing END means one hour."},
		},
		Action: func(c *cli.Context) error {
			windows := make([]availability.WindowInput, 0, len(c.StringSlice("window")))
			for _, w := range c.StringSlice("window") {
				windows = append(windows, parseWindowFlag(w))
			}
			return withService(c, func(svc *availability.Service, _ *slog.Logger) error {
				report, err := svc.CheckAvailability(c.Context, windows)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, report)
			})
		},
	}
}

func slotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "slots",
		Usage: "Find free slots of a given length inside working hours.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Required: true, Usage: "First day of the search range."},
			&cli.StringFlag{Name: "to", Required: true, Usage: "Last day of the search range (inclusive); a bare date means the end of that day."},
			&cli.IntFlag{Name: "duration", Required: true, Usage: "Slot length in minutes."},
			&cli.IntFlag{Name: "start-hour", Usage: "Start of the working day (overrides WORK_START_HOUR)."},
			&cli.IntFlag{Name: "end-hour", Usage: "End of the working day (overrides WORK_END_HOUR)."},
			&cli.IntFlag{Name: "granularity", Usage: "Policy granularity in minutes (overrides SLOT_GRANULARITY_MINUTES)."},
			&cli.BoolFlag{Name: "include-weekends", Usage: "Also search Saturdays and Sundays."},
			&cli.StringFlag{Name: "timezone", Usage: "IANA zone defining the working day (overrides PRIMARY_TIMEZONE)."},
		},
		Action: func(c *cli.Context) error {
			var in availability.PolicyInput
			if c.IsSet("start-hour") {
				v := c.Int("start-hour")
				in.WorkStartHour = &v
			}
			if c.IsSet("end-hour") {
				v := c.Int("end-hour")
				in.WorkEndHour = &v
			}
			if c.IsSet("granularity") {
				v := c.Int("granularity")
				in.GranularityMinutes = &v
			}
			if c.IsSet("include-weekends") {
				v := !c.Bool("include-weekends")
				in.ExcludeWeekends = &v
			}
			in.Timezone = c.String("timezone")

			rng := availability.WindowInput{Start: c.String("from"), End: rangeEnd(c.String("to"))}
			return withService(c, func(svc *availability.Service, _ *slog.Logger) error {
				report, err := svc.FindFreeSlots(c.Context, rng, c.Int("duration"), in)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, report)
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Check every new version of an inbox file of candidate windows.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "inbox", Required: true, Usage: "YAML or JSON list of {start, end} windows."},
			&cli.IntFlag{Name: "interval", Value: 60, Usage: "Sample the inbox every N seconds."},
			&cli.StringFlag{Name: "state", Value: watch.DefaultStateFile, Usage: "File remembering the last processed inbox."},
		},
		Action: func(c *cli.Context) error {
			return withService(c, func(svc *availability.Service, logger *slog.Logger) error {
				interval := time.Duration(c.Int("interval")) * time.Second
				w, err := watch.NewWatcher(logger, c.String("inbox"), c.String("state"), interval)
				if err != nil {
					return fmt.Errorf("failed to create watcher: %w", err)
				}

				batches := make(chan watch.Batch)
				done := make(chan error, 1)
				go func() { done <- w.Run(c.Context, batches) }()

				for batch := range batches {
					report, err := svc.CheckAvailability(c.Context, batch.Windows)
					if err != nil {
						if c.Context.Err() != nil {
							break
						}
						logger.Error("Availability check failed", "hash", batch.Hash, "error", err)
					} else if err := printJSON(os.Stdout, report); err != nil {
						return err
					}
					if err := w.Ack(batch.Hash); err != nil {
						logger.Error("Failed to acknowledge inbox version", "error", err)
					}
				}
				return <-done
			})
		},
	}
}

// withService loads the configuration, wires every source and runs fn.
func withService(c *cli.Context, fn func(*availability.Service, *slog.Logger) error) error {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel)

	refs, closeSources, err := buildSources(c.Context, logger, cfg)
	if err != nil {
		return err
	}
	defer closeSources()

	agg := aggregator.New(logger, cfg.AggregatorOptions())
	svc := availability.NewService(logger, agg, refs, cfg.Policy, 0)
	return fn(svc, logger)
}

// parseWindowFlag splits "START/END"; END is optional.
func parseWindowFlag(v string) availability.WindowInput {
	start, end, _ := strings.Cut(v, "/")
	return availability.WindowInput{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
}

// rangeEnd turns a bare date into the last second of that day so that
// --from D --to D searches exactly one day.
func rangeEnd(v string) string {
	v = strings.TrimSpace(v)
	if _, err := time.Parse(time.DateOnly, v); err == nil {
		return v + "T23:59:59"
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
