package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/japaniel/voxqueue/pkg/config"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/dictionary"
	"github.com/japaniel/voxqueue/pkg/engine"
	"github.com/japaniel/voxqueue/pkg/ingest"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/segment"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand needs once flags and config are parsed.
type app struct {
	v      *viper.Viper
	cfg    config.Config
	log    *logger.Logger
	reg    *db.Registry
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var configFile string

	root := &cobra.Command{
		Use:          "voxqueue",
		Short:        "Queue words and sentences for audio generation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./voxqueue.yaml)")
	root.PersistentFlags().String("db-driver", db.DriverSQLite, "store driver (sqlite, postgres, gorm-sqlite)")
	root.PersistentFlags().String("db", "voxqueue.db", "store DSN")
	root.PersistentFlags().String("log-mode", "dev", "log mode (dev, prod)")
	root.PersistentFlags().String("audio-dir", "audio", "directory generated audio is written to")

	_ = a.v.BindPFlag("db.driver", root.PersistentFlags().Lookup("db-driver"))
	_ = a.v.BindPFlag("db.dsn", root.PersistentFlags().Lookup("db"))
	_ = a.v.BindPFlag("log.mode", root.PersistentFlags().Lookup("log-mode"))
	_ = a.v.BindPFlag("audio.dir", root.PersistentFlags().Lookup("audio-dir"))

	root.AddCommand(a.ingestCmd(), a.runCmd(), a.importDictCmd(), a.statsCmd())
	return root
}

func (a *app) load(configFile string) error {
	if configFile != "" {
		a.v.SetConfigFile(configFile)
	} else {
		a.v.SetConfigName("voxqueue")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
	}
	if err := a.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "read config file")
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	a.log = log
	return nil
}

// open connects to the store. Callers must defer a.close.
func (a *app) open(ctx context.Context) error {
	reg, closer, err := db.Open(ctx, a.cfg.DBDriver, a.cfg.DBDSN)
	if err != nil {
		return err
	}
	a.reg, a.closer = reg, closer
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		_ = a.closer.Close()
	}
	a.log.Sync()
}

func (a *app) engine() (*engine.Engine, error) {
	analyzer, err := segment.NewAnalyzer()
	if err != nil {
		return nil, errors.Wrap(err, "load analyzer")
	}
	return engine.New(a.cfg, a.reg, a.log, engine.WithAnalyzer(analyzer))
}

func (a *app) ingestCmd() *cobra.Command {
	var (
		rawURL      string
		text        string
		persistOnly bool
		skipWords   bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Split text or a web article into sentences and words and queue them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawURL == "" && text == "" {
				return errors.New("provide --url or --text")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if err := a.open(ctx); err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			if rawURL != "" {
				fmt.Fprintf(out, "Fetching %s...\n", rawURL)
				article, err := ingest.FetchArticle(ctx, nil, rawURL)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Title: %s\n", article.Title)
				fmt.Fprintf(out, "Extracted text: %s characters\n", humanize.Comma(int64(len([]rune(article.Text)))))
				text = article.Text
			}

			if e.Dispatcher == nil && !persistOnly {
				a.log.Warn("no generator configured; storing content without audio")
				persistOnly = true
			}
			e.Ingester.OnProgress = func(current, total int) {
				a.log.Debug("analyzed", "current", current, "total", total)
			}
			stats, err := e.Ingester.IngestText(ctx, text, ingest.IngestOptions{PersistOnly: persistOnly, SkipWords: skipWords})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Sentences: %s, words: %s\n", humanize.Comma(int64(stats.Sentences)), humanize.Comma(int64(stats.Words)))
			fmt.Fprintf(out, "Added %s, already queued %s, already stored %s, invalid %s, failed %s\n",
				humanize.Comma(int64(stats.Added)), humanize.Comma(int64(stats.Queued)), humanize.Comma(int64(stats.Stored)),
				humanize.Comma(int64(stats.Invalid)), humanize.Comma(int64(stats.Failed)))

			if !persistOnly {
				if err := generateAll(ctx, e); err != nil {
					return err
				}
			}
			fmt.Fprintln(out, "Ingest complete.")
			return nil
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "article URL to ingest")
	cmd.Flags().StringVar(&text, "text", "", "text to ingest")
	cmd.Flags().BoolVar(&persistOnly, "persist-only", false, "store content without generating audio")
	cmd.Flags().BoolVar(&skipWords, "skip-words", false, "ingest sentences only")
	return cmd
}

// generateAll runs the engine until everything queued has been generated.
func generateAll(ctx context.Context, e *engine.Engine) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	drainErr := e.Dispatcher.Drain(ctx)
	cancel()
	if err := <-done; err != nil {
		return err
	}
	return drainErr
}

func (a *app) runCmd() *cobra.Command {
	var backfill bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate audio for queued content and watch the audio directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			if backfill {
				n, err := e.Backfill(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s stored items without audio\n", humanize.Comma(int64(n)))
			}
			return e.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&backfill, "backfill", true, "queue stored content that has no audio yet")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().String("generator", "", "audio generator binary")
	_ = a.v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	_ = a.v.BindPFlag("generator.binary", cmd.Flags().Lookup("generator"))
	return cmd
}

func (a *app) importDictCmd() *cobra.Command {
	var download bool
	cmd := &cobra.Command{
		Use:   "import-dict [path]",
		Short: "Fill missing word translations from a JMdict-simplified file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			path := a.cfg.DictionaryPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = dictionary.DefaultFileName
			}
			if download {
				if err := dictionary.NewDownloader(a.log).EnsureDictionary(ctx, path); err != nil {
					return err
				}
			}

			if err := a.open(ctx); err != nil {
				return err
			}
			defer a.close()

			start := time.Now()
			entries, err := dictionary.LoadJMdictSimplified(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Loaded %s entries in %v\n", humanize.Comma(int64(len(entries))), time.Since(start).Round(time.Millisecond))

			e, err := engine.New(a.cfg, a.reg, a.log)
			if err != nil {
				return err
			}
			defer e.Close()
			words, err := a.reg.Model(content.KindWord)
			if err != nil {
				return err
			}
			count, err := dictionary.NewImporter(words, e.Writer, entries, a.log).ProcessUpdates(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Updated translations for %s words.\n", humanize.Comma(int64(count)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&download, "download", true, "download the dictionary when the file is missing")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored content counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			for _, kind := range a.reg.Kinds() {
				model, err := a.reg.Model(kind)
				if err != nil {
					return err
				}
				n, err := model.Count(ctx)
				if err != nil {
					return err
				}
				all, err := model.FindAll(ctx, db.Query{})
				if err != nil {
					return err
				}
				var silent, untranslated int
				var newest time.Time
				for _, rec := range all {
					if len(rec.VoiceFiles) == 0 {
						silent++
					}
					if rec.Translation == "" {
						untranslated++
					}
					if rec.LastModified.After(newest) {
						newest = rec.LastModified
					}
				}
				updated := "never"
				if !newest.IsZero() {
					updated = humanize.Time(newest)
				}
				fmt.Fprintf(out, "%-9s %s stored, %s without audio, %s untranslated, last modified %s\n",
					kind.String()+":", humanize.Comma(n), humanize.Comma(int64(silent)),
					humanize.Comma(int64(untranslated)), updated)
			}
			return nil
		},
	}
}
