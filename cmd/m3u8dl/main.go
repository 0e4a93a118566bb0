package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/diff/v3"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	m3u8dl "github.com/alanbriolat/m3u8dl"
	"github.com/alanbriolat/m3u8dl/async"
	"github.com/alanbriolat/m3u8dl/encode"
	"github.com/alanbriolat/m3u8dl/internal/session"
)

func main() {
	config := zap.NewDevelopmentConfig()
	config.Level.SetLevel(zap.InfoLevel)
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = m3u8dl.WithLogger(ctx, logger)

	var cfg m3u8dl.Config

	app := &cli.App{
		Name:      "m3u8dl",
		Usage:     "download the segments of an HLS playlist and join them into one video",
		ArgsUsage: "URL",
		Flags:     flags(),
		Before: func(c *cli.Context) error {
			if cfg, err = loadConfig(c); err != nil {
				return err
			}
			if cfg.Verbose {
				config.Level.SetLevel(zap.DebugLevel)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one playlist URL, got %d", c.NArg())
			}
			return download(ctx, cfg, c.Args().First())
		},
		Commands: []*cli.Command{
			historyCommand(ctx, &cfg),
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(flagsFirst(os.Args, app.Flags)) })

	select {
	case err = <-result:
	case <-ctx.Done():
		logger.Info("Interrupted, waiting for the current stage to stop...")
		stop()
		err = <-result
	}
	if err != nil {
		logger.Fatal(err.Error())
	}
}

func flags() []cli.Flag {
	defaults := m3u8dl.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "load settings from TOML `FILE` before applying flags",
			EnvVars: []string{"M3U8DL_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   defaults.Output,
			Usage:   "write the joined video to `FILE`",
			EnvVars: []string{"M3U8DL_OUTPUT"},
		},
		&cli.BoolFlag{
			Name:    "compress",
			Aliases: []string{"c"},
			Usage:   "re-encode with libx264/aac instead of copying streams",
			EnvVars: []string{"M3U8DL_COMPRESS"},
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"j"},
			Value:   defaults.Concurrency,
			Usage:   "download at most `N` segments at once",
			EnvVars: []string{"M3U8DL_CONCURRENCY"},
		},
		&cli.StringFlag{
			Name:    "work-dir",
			Value:   defaults.WorkDir,
			Usage:   "save segments into `DIR`",
			EnvVars: []string{"M3U8DL_WORK_DIR"},
		},
		&cli.StringFlag{
			Name:    "manifest",
			Value:   defaults.Manifest,
			Usage:   "write the concat list to `FILE`",
			EnvVars: []string{"M3U8DL_MANIFEST"},
		},
		&cli.StringFlag{
			Name:    "ffmpeg",
			Value:   defaults.FFmpeg,
			Usage:   "use `BINARY` to join segments",
			EnvVars: []string{"M3U8DL_FFMPEG"},
		},
		&cli.BoolFlag{
			Name:    "overwrite",
			Aliases: []string{"y"},
			Usage:   "replace the output file if it exists",
			EnvVars: []string{"M3U8DL_OVERWRITE"},
		},
		&cli.BoolFlag{
			Name:    "strict",
			Usage:   "fail the run if any segment fails to download",
			EnvVars: []string{"M3U8DL_STRICT"},
		},
		&cli.BoolFlag{
			Name:    "keep",
			Usage:   "keep the segment directory and concat list afterwards",
			EnvVars: []string{"M3U8DL_KEEP"},
		},
		&cli.StringFlag{
			Name:    "history",
			Usage:   "record runs in `FILE` (.sqlite for SQLite, otherwise bbolt)",
			EnvVars: []string{"M3U8DL_HISTORY"},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug logging",
			EnvVars: []string{"M3U8DL_VERBOSE"},
		},
	}
}

// flagsFirst moves positional arguments after the flags, so "m3u8dl URL -o x.mp4" parses the same as
// "m3u8dl -o x.mp4 URL". Everything after "--" stays positional.
func flagsFirst(args []string, appFlags []cli.Flag) []string {
	if len(args) == 0 {
		return args
	}
	takesValue := map[string]bool{}
	for _, f := range appFlags {
		_, isBool := f.(*cli.BoolFlag)
		for _, name := range f.Names() {
			takesValue[name] = !isBool
		}
	}
	var flagArgs, positional []string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "--":
			positional = append(positional, rest[i:]...)
			i = len(rest)
		case len(arg) > 1 && strings.HasPrefix(arg, "-"):
			flagArgs = append(flagArgs, arg)
			name := strings.TrimLeft(arg, "-")
			if !strings.Contains(name, "=") && takesValue[name] && i+1 < len(rest) {
				i++
				flagArgs = append(flagArgs, rest[i])
			}
		default:
			positional = append(positional, arg)
		}
	}
	reordered := append([]string{args[0]}, flagArgs...)
	return append(reordered, positional...)
}

// loadConfig builds the effective config: defaults, then the --config file, then any flag or environment variable
// that was explicitly set.
func loadConfig(c *cli.Context) (m3u8dl.Config, error) {
	cfg := m3u8dl.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = m3u8dl.LoadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	setString := func(name string, target *string) {
		if c.IsSet(name) {
			*target = c.String(name)
		}
	}
	setBool := func(name string, target *bool) {
		if c.IsSet(name) {
			*target = c.Bool(name)
		}
	}
	setString("output", &cfg.Output)
	setBool("compress", &cfg.Compress)
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	setString("work-dir", &cfg.WorkDir)
	setString("manifest", &cfg.Manifest)
	setString("ffmpeg", &cfg.FFmpeg)
	setBool("overwrite", &cfg.Overwrite)
	setBool("strict", &cfg.Strict)
	setBool("keep", &cfg.Keep)
	setString("history", &cfg.History)
	setBool("verbose", &cfg.Verbose)
	return cfg, cfg.Validate()
}

func download(ctx context.Context, cfg m3u8dl.Config, playlistURL string) error {
	logger := m3u8dl.Logger(ctx).Sugar()

	binary, err := encode.LookupBinary(cfg.FFmpeg)
	if err != nil {
		return err
	}
	logger.Debugf("using encoder %s", binary)

	db, err := openHistory(cfg, m3u8dl.Logger(ctx))
	if err != nil {
		return err
	}
	defer db.Close()

	ses, err := session.New(session.Config{
		WorkDir:      cfg.WorkDir,
		ManifestPath: cfg.Manifest,
		Output:       cfg.Output,
		Mode:         cfg.EncodeMode(),
		Overwrite:    cfg.Overwrite,
		Concurrency:  cfg.Concurrency,
		Strict:       cfg.Strict,
		Keep:         cfg.Keep,
		Encoder:      encode.NewEncoder(binary),
		Database:     db,
	})
	if err != nil {
		return err
	}
	defer ses.Close()

	events, err := ses.Subscribe()
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch(logger, events, os.Stderr)
	}()

	record, err := ses.Run(ctx, playlistURL)
	ses.Close()
	wg.Wait()

	if err != nil {
		logEncodeFailure(logger, err)
		return err
	}
	if record.Failed > 0 {
		logger.Warnf("Finished with %d of %d segments missing", record.Failed, record.Chunks)
	}
	logger.Infof("Done in %s", record.Duration().Round(time.Millisecond))
	return nil
}

// logEncodeFailure repeats the tail of the encoder's stderr, which may have scrolled away behind other output.
func logEncodeFailure(logger *zap.SugaredLogger, err error) {
	var encodeErr *encode.EncodeError
	if errors.As(err, &encodeErr) && encodeErr.Stderr != "" {
		logger.Errorf("%s stderr:\n%s", encodeErr.Binary, encodeErr.Stderr)
	}
}

// watch drives the progress bar on out from session events until the session is closed. A progress bar that cannot
// be drawn is only logged.
func watch(logger *zap.SugaredLogger, events session.Subscription, out io.Writer) {
	var bar *progressbar.ProgressBar
	for event := range events.Receive() {
		switch e := event.(type) {
		case session.RunUpdated:
			changes, err := diff.Diff(e.OldState, e.NewState)
			if err != nil {
				logger.Errorf("failed to diff old and new run state: %v", err)
				continue
			}
			for _, change := range changes {
				logger.Debugf("%v: %#v -> %#v", change.Path, change.From, change.To)
			}
		case session.ChunkDone:
			if bar == nil {
				bar = progressbar.NewOptions(e.Progress.Total,
					progressbar.OptionSetDescription("downloading"),
					progressbar.OptionSetItsString("segment"),
					progressbar.OptionShowIts(),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWriter(out),
					progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
				)
			}
			if err := bar.Set(e.Progress.Done); err != nil {
				logger.Debugf("failed to draw progress bar: %v", err)
			}
		case session.RunFinished:
			if e.Err != nil {
				logger.Debugf("run %s failed: %v", e.RunID(), e.Err)
			}
		}
	}
}
