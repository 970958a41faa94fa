package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"

	"github.com/beekhof/calendar-toggl/internal/auth"
	"github.com/beekhof/calendar-toggl/internal/calendar"
	"github.com/beekhof/calendar-toggl/internal/config"
	"github.com/beekhof/calendar-toggl/internal/errors"
	"github.com/beekhof/calendar-toggl/internal/rules"
	"github.com/beekhof/calendar-toggl/internal/state"
	"github.com/beekhof/calendar-toggl/internal/sync"
	"github.com/beekhof/calendar-toggl/internal/toggl"
)

const description = `Reads finished events from Google Calendar or a CalDAV server and creates
matching Toggl Track time entries. Each run covers the time since the previous
run (the watermark), or the last 24 hours on the first run.

Events are skipped when they have no start or end time, are still running,
or match summary_blacklist. The project is taken from the first matching
summary_project_map pattern, then from calendar_project_map.

CONFIGURATION PRECEDENCE (highest to lowest):
   1. Command-line flags
   2. Environment variables (GOOGLE_CREDENTIALS_PATH, GOOGLE_TOKEN_PATH,
      TOGGL_API_TOKEN, TOGGL_TOKEN_PATH, TOGGL_WORKSPACE_ID,
      CALTOGGL_STATE_PATH, CALDAV_USERNAME, CALDAV_PASSWORD)
   3. Config file (--config, default config.yaml)
   4. Defaults

EXIT STATUS:
   0 on success, 2 for configuration errors, 1 for any other failure.`

// newApp creates the CLI application with all commands.
func newApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Usage: "print the version"}

	app := &cli.App{
		Name:        "caltoggl",
		Usage:       "Create Toggl time entries from calendar events",
		Description: description,
		Version:     Version,
		Reader:      stdin,
		Writer:      stdout,
		ErrWriter:   stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to YAML config file (default: config.yaml)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable verbose output (show DEBUG logs)"},
			&cli.StringFlag{Name: "source", Usage: "Calendar source: google|caldav (overrides config file)"},
			&cli.StringFlag{Name: "google-credentials-path", Usage: "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)"},
			&cli.StringFlag{Name: "google-token-path", Usage: "Path to store the Google OAuth token (overrides config file and GOOGLE_TOKEN_PATH env var)"},
			&cli.StringFlag{Name: "toggl-token-path", Usage: "Path to the file holding the Toggl API token (overrides config file and TOGGL_TOKEN_PATH env var)"},
			&cli.StringFlag{Name: "state-path", Usage: "Path to the watermark file or database (overrides config file and CALTOGGL_STATE_PATH env var)"},
			&cli.StringFlag{Name: "state-backend", Usage: "Watermark storage: file|sqlite (overrides config file)"},
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}, Usage: "Log the entries that would be created without creating them or moving the watermark"},
			&cli.BoolFlag{Name: "no-browser", Usage: "Paste the Google authorization code instead of receiving it on a local server"},
			&cli.StringFlag{Name: "toggl-api-url", Value: toggl.DefaultBaseURL, Hidden: true},
		},
		Before: func(c *cli.Context) error {
			setupLogger(c.App.ErrWriter, c.Bool("verbose"))
			return nil
		},
		Action: runSync,
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Create time entries for events finished since the last run (default)",
				Action: runSync,
			},
			{
				Name:   "calendars",
				Usage:  "List the source calendars with their blacklist and project mapping",
				Action: runCalendars,
			},
			{
				Name:   "check",
				Usage:  "Validate the configuration and print the compiled rules",
				Action: runCheck,
			},
			{
				Name:  "watermark",
				Usage: "Inspect or change the stored watermark",
				Subcommands: []*cli.Command{
					{Name: "show", Usage: "Print the stored watermark", Action: runWatermarkShow},
					{Name: "set", Usage: "Store a new watermark", ArgsUsage: "<RFC 3339 time>", Action: runWatermarkSet},
					{Name: "reset", Usage: "Forget the watermark so the next run reads the last 24 hours", Action: runWatermarkReset},
				},
			},
		},
	}
	// Errors are reported and mapped to exit codes by main
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func setupLogger(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadConfig resolves the configuration and compiles the rules.
func loadConfig(c *cli.Context) (*config.Config, *rules.RuleSet, error) {
	cfg, err := config.LoadConfig(c.String("config"), config.Flags{
		Source:                c.String("source"),
		GoogleCredentialsPath: c.String("google-credentials-path"),
		GoogleTokenPath:       c.String("google-token-path"),
		TogglTokenPath:        c.String("toggl-token-path"),
		StatePath:             c.String("state-path"),
		StateBackend:          c.String("state-backend"),
	})
	if err != nil {
		return nil, nil, err
	}

	rs, err := rules.Compile(cfg.Rules())
	if err != nil {
		return nil, nil, errors.NewConfig("invalid rules", err)
	}
	return cfg, rs, nil
}

func openStore(cfg *config.Config) (state.Store, error) {
	store, err := state.Open(cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return nil, errors.NewState("failed to open watermark store", err)
	}
	return store, nil
}

// newSource builds the configured calendar source, running the Google
// authorization flow when no token is stored yet.
func newSource(c *cli.Context, cfg *config.Config, logger *slog.Logger) (calendar.Source, error) {
	ctx := c.Context

	if cfg.Source == config.SourceCalDAV {
		return calendar.NewCalDAVSource(cfg.CalDAV.ServerURL, cfg.CalDAV.CalendarHome, cfg.CalDAV.Username, cfg.CalDAV.Password, logger), nil
	}

	clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
	if err != nil {
		return nil, errors.NewConfig("failed to load Google credentials", err)
	}
	oauthConfig := auth.GoogleOAuthConfig(clientID, clientSecret)
	tokenStore := auth.NewFileTokenStore(cfg.GoogleTokenPath)

	var client *http.Client
	if c.Bool("no-browser") {
		client, err = auth.GetAuthenticatedClientWithReader(ctx, oauthConfig, tokenStore, c.App.Reader, c.App.ErrWriter)
	} else {
		client, err = auth.GetAuthenticatedClient(ctx, oauthConfig, tokenStore, c.App.ErrWriter)
	}
	if err != nil {
		return nil, err
	}

	source, err := calendar.NewGoogleSource(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Calendar client: %w", err)
	}
	return source, nil
}

// newSink builds the Toggl client and checks the token.
func newSink(c *cli.Context, cfg *config.Config) (*toggl.Client, error) {
	token := cfg.TogglToken
	if token == "" {
		var err error
		token, err = config.LoadTogglToken(cfg.TogglTokenPath)
		if err != nil {
			return nil, errors.NewConfig("toggl token must be provided via TOGGL_API_TOKEN or a token file", err)
		}
	}

	client := toggl.NewClient(c.String("toggl-api-url"), token, cfg.TogglWorkspaceID)
	if err := client.ResolveWorkspace(c.Context); err != nil {
		if errors.Is(err, errors.ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reach toggl: %w", err)
	}
	return client, nil
}

func runSync(c *cli.Context) error {
	ctx := c.Context
	dryRun := c.Bool("dry-run")

	cfg, rs, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	prev, err := store.Load(ctx)
	if err != nil {
		return errors.NewState("failed to load watermark", err)
	}

	runID := ulid.Make().String()
	source, err := newSource(c, cfg, slog.Default().With("run_id", runID))
	if err != nil {
		return err
	}

	// A dry run never submits, so it needs no Toggl token
	var sink sync.Sink
	if !dryRun {
		client, err := newSink(c, cfg)
		if err != nil {
			return err
		}
		slog.Debug("Using Toggl workspace", "workspace_id", client.WorkspaceID())
		sink = client
	}

	syncer := sync.NewSyncer(source, sink, rs, sync.Options{
		Policy: sync.Policy(cfg.WatermarkPolicy),
		DryRun: dryRun,
		Logger: slog.Default(),
		RunID:  runID,
	})

	result, err := syncer.Run(ctx, prev)
	if err != nil {
		return err
	}

	if result.Advanced {
		if err := store.Save(ctx, result.Watermark); err != nil {
			return errors.NewState("failed to save watermark", err)
		}
	}
	return nil
}

func runCalendars(c *cli.Context) error {
	cfg, rs, err := loadConfig(c)
	if err != nil {
		return err
	}

	source, err := newSource(c, cfg, slog.Default())
	if err != nil {
		return err
	}

	// List everything so blacklisted calendars show up too
	calendars, err := source.ListCalendars(c.Context, nil)
	if err != nil {
		return err
	}

	blacklist := rs.CalendarBlacklist()
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS")
	for _, cal := range calendars {
		status := "no project"
		if project, ok := rs.CalendarProject(cal.ID); ok {
			status = "project " + project
		}
		if blacklist[cal.ID] {
			status = "blacklisted"
		}
		name := cal.Summary
		if cal.Primary {
			name += " (primary)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", cal.ID, name, status)
	}
	return w.Flush()
}

func runCheck(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	out := c.App.Writer
	fmt.Fprintf(out, "Source:           %s\n", cfg.Source)
	fmt.Fprintf(out, "State:            %s (%s)\n", cfg.StatePath, cfg.StateBackend)
	fmt.Fprintf(out, "Offset handling:  %s\n", cfg.OffsetHandling)
	fmt.Fprintf(out, "Watermark policy: %s\n", cfg.WatermarkPolicy)

	fmt.Fprintf(out, "Summary blacklist (%d):\n", len(cfg.SummaryBlacklist))
	for _, pattern := range cfg.SummaryBlacklist {
		fmt.Fprintf(out, "  %s\n", pattern)
	}
	fmt.Fprintf(out, "Summary projects, first match wins (%d):\n", len(cfg.SummaryProjectMap))
	for i, rule := range cfg.SummaryProjectMap {
		fmt.Fprintf(out, "  %d. %s -> %s\n", i+1, rule.Pattern, rule.ProjectID)
	}
	fmt.Fprintf(out, "Calendar blacklist (%d):\n", len(cfg.CalendarBlacklist))
	for _, id := range cfg.CalendarBlacklist {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "Calendar projects (%d):\n", len(cfg.CalendarProjectMap))
	for _, id := range sortedKeys(cfg.CalendarProjectMap) {
		fmt.Fprintf(out, "  %s -> %s\n", id, cfg.CalendarProjectMap[id])
	}
	fmt.Fprintln(out, "Configuration OK")
	return nil
}

func runWatermarkShow(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	w, err := store.Load(c.Context)
	if err != nil {
		return errors.NewState("failed to load watermark", err)
	}
	fmt.Fprintf(c.App.Writer, "Watermark:  %s\n", w)
	fmt.Fprintf(c.App.Writer, "Next start: %s\n", w.Start(time.Now()).Format(time.RFC3339))
	return nil
}

func runWatermarkSet(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.NewConfig("watermark set takes exactly one RFC 3339 time", nil)
	}
	w, err := state.Parse(c.Args().First())
	if err != nil || w.IsZero() {
		return errors.NewConfig("invalid watermark", err)
	}

	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(c.Context, w); err != nil {
		return errors.NewState("failed to save watermark", err)
	}
	fmt.Fprintf(c.App.Writer, "Watermark set to %s\n", w)
	return nil
}

func runWatermarkReset(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(c.Context); err != nil {
		return errors.NewState("failed to reset watermark", err)
	}
	fmt.Fprintln(c.App.Writer, "Watermark reset")
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
