package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/videonote/pkg/boltrec"
	"github.com/jacktea/videonote/pkg/encoder"
	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/logger"
	"github.com/jacktea/videonote/pkg/metrics"
	"github.com/jacktea/videonote/pkg/playback"
	"github.com/jacktea/videonote/pkg/server/httpapi"
	"github.com/jacktea/videonote/pkg/server/middleware"
	"github.com/jacktea/videonote/pkg/store"
	"github.com/jacktea/videonote/pkg/upload"
	"github.com/jacktea/videonote/pkg/webapi"
)

type app struct {
	ctx      context.Context
	log      logger.Logger
	records  store.RecordService
	store    *store.Store
	encoder  *encoder.Encoder
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cleanup  func()
}

func (a *app) ensureStack() error {
	if a.store != nil {
		return nil
	}
	log := logger.New(&logger.Config{
		Level:      logger.Level(viper.GetString("log.level")),
		Output:     os.Stderr,
		JSON:       viper.GetBool("log.json"),
		TimeFormat: time.Kitchen,
	})
	names := entity.NewPluralizer(viper.GetStringMapString("collection_overrides"))

	records, err := buildRecordService(viper.GetString("store"), recordOptions{
		URL:      viper.GetString("webapi.url"),
		Token:    viper.GetString("webapi.token"),
		Version:  viper.GetString("webapi.version"),
		Timeout:  viper.GetDuration("webapi.timeout"),
		BoltPath: viper.GetString("bolt.path"),
		Names:    names,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st, err := store.New(store.Config{
		Records:      records,
		Names:        names,
		CacheEntries: viper.GetInt("fetch_cache.size"),
		CacheTTL:     viper.GetDuration("fetch_cache.ttl"),
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	if closer, ok := records.(io.Closer); ok {
		a.cleanup = func() { _ = closer.Close() }
	}
	a.log = log
	a.records = records
	a.store = st
	a.encoder = encoder.New(encoder.Options{MaxBytes: viper.GetInt64("max_bytes")})
	a.registry = reg
	a.metrics = m
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "videonote",
		Short:         "Attach and play mp4 videos on data store records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureStack()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	application.ctx = ctx
	err := rootCmd.ExecuteContext(ctx)
	stop()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("videonote")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "videonote"))
		}
	}
	viper.SetEnvPrefix("VIDEONOTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("store", "webapi", "record service: webapi|bolt")
	flags.String("webapi-url", "", "organisation base URL, e.g. https://org.crm.dynamics.com")
	flags.String("webapi-token", "", "OAuth bearer token for the Web API")
	flags.String("webapi-version", "9.2", "Web API version")
	flags.Duration("webapi-timeout", 0, "HTTP timeout for Web API calls (0 waits indefinitely)")
	flags.String("bolt-path", ".videonote/records.db", "bbolt file used when --store=bolt")

	flags.Int("fetch-cache-size", 16, "fetched attachments kept in memory (0 disables)")
	flags.Duration("fetch-cache-ttl", 5*time.Minute, "lifetime of cached attachments")
	flags.Int64("max-bytes", 0, "reject videos larger than this many bytes, on the CLI and over HTTP (0 allows any size)")
	flags.StringToString("collection-override", nil, "entity set name overrides, e.g. person=people")

	flags.String("log-level", "info", "log level: debug|info|warn|error|disabled")
	flags.Bool("log-json", false, "emit logs as JSON")

	bindConfig("store", flags.Lookup("store"))
	bindConfig("webapi.url", flags.Lookup("webapi-url"))
	bindConfig("webapi.token", flags.Lookup("webapi-token"))
	bindConfig("webapi.version", flags.Lookup("webapi-version"))
	bindConfig("webapi.timeout", flags.Lookup("webapi-timeout"))
	bindConfig("bolt.path", flags.Lookup("bolt-path"))

	bindConfig("fetch_cache.size", flags.Lookup("fetch-cache-size"))
	bindConfig("fetch_cache.ttl", flags.Lookup("fetch-cache-ttl"))
	bindConfig("max_bytes", flags.Lookup("max-bytes"))
	bindConfig("collection_overrides", flags.Lookup("collection-override"))

	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.json", flags.Lookup("log-json"))
}

func initCommands() {
	rootCmd.AddCommand(
		newUploadCmd(),
		newPlayCmd(),
		newListCmd(),
		newServeCmd(),
	)
}

type ownerFlags struct {
	typeName string
	id       string
}

func (o *ownerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.typeName, "entity-type", "", "logical name of the owner record, e.g. account")
	cmd.Flags().StringVar(&o.id, "entity-id", "", "id of the owner record")
}

func (o *ownerFlags) reference() (entity.Reference, error) {
	ref := entity.NewReference(o.typeName, o.id)
	if err := ref.Validate(); err != nil {
		return ref, fmt.Errorf("--entity-type and --entity-id are required: %w", err)
	}
	return ref, nil
}

func newUploadCmd() *cobra.Command {
	var owner ownerFlags
	var htmlOut string
	cmd := &cobra.Command{
		Use:   "upload <file.mp4>",
		Short: "Preview a video and attach it to a record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := owner.reference()
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return doUpload(application.ctx, application, ref, path, cmd.OutOrStdout(), htmlOut)
		},
	}
	owner.register(cmd)
	cmd.Flags().StringVar(&htmlOut, "html", "", "also write the player page to this file")
	return cmd
}

func newPlayCmd() *cobra.Command {
	var owner ownerFlags
	var htmlOut string
	cmd := &cobra.Command{
		Use:   "play <annotation-id>",
		Short: "Fetch a stored video and write the player page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if htmlOut != "" {
				f, err := os.Create(htmlOut)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return doPlay(application.ctx, application, entity.NewReference(owner.typeName, owner.id), args[0], out)
		},
	}
	owner.register(cmd)
	cmd.Flags().StringVarP(&htmlOut, "out", "o", "", "write the player page here instead of stdout")
	return cmd
}

func newListCmd() *cobra.Command {
	var owner ownerFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List video attachments bound to a record (bolt store only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := owner.reference()
			if err != nil {
				return err
			}
			lister, ok := application.records.(boundLister)
			if !ok {
				return errors.New("record service does not support listing")
			}
			return doList(application.ctx, lister, ref, cmd.OutOrStdout())
		},
	}
	owner.register(cmd)
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload form, player and upload API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:       viper.GetString("serve.addr"),
				APIKey:     viper.GetString("serve.api_key"),
				RateLimit:  viper.GetInt("serve.rate_limit"),
				RateWindow: viper.GetDuration("serve.rate_window"),
				Sessions:   viper.GetInt("serve.sessions"),
				SessionTTL: viper.GetDuration("serve.session_ttl"),
			}
			return runServe(application.ctx, application, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int("sessions", 1024, "per-record upload sessions kept in memory")
	cmd.Flags().Duration("session-ttl", 30*time.Minute, "idle lifetime of a per-record session")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.sessions", cmd.Flags().Lookup("sessions"))
	bindConfig("serve.session_ttl", cmd.Flags().Lookup("session-ttl"))
	return cmd
}

type httpServeOptions struct {
	Addr       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
	Sessions   int
	SessionTTL time.Duration
}

type recordOptions struct {
	URL      string
	Token    string
	Version  string
	Timeout  time.Duration
	BoltPath string
	Names    *entity.Pluralizer
	Log      logger.Logger
}

func buildRecordService(kind string, opts recordOptions) (store.RecordService, error) {
	switch strings.ToLower(kind) {
	case "", "webapi":
		if opts.URL == "" {
			return nil, errors.New("webapi store requires --webapi-url")
		}
		var signer webapi.Signer
		if opts.Token != "" {
			signer = &webapi.BearerSigner{Token: opts.Token}
		}
		return webapi.New(webapi.Config{
			URL:     opts.URL,
			Version: opts.Version,
			Timeout: opts.Timeout,
			Names:   opts.Names,
			Signer:  signer,
			Log:     opts.Log,
		})
	case "bolt":
		if opts.BoltPath == "" {
			return nil, errors.New("bolt store requires --bolt-path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.BoltPath), 0o755); err != nil {
			return nil, err
		}
		return boltrec.Open(boltrec.Config{Path: opts.BoltPath, Names: opts.Names})
	default:
		return nil, fmt.Errorf("unknown record service %q", kind)
	}
}

type boundLister interface {
	ListBound(ctx context.Context, logicalName string, owner entity.Reference) ([]string, error)
}

func newController(a *app, owner entity.Reference, sink upload.Sink, alerts io.Writer) (*upload.Controller, error) {
	return upload.New(upload.Config{
		Owner:    owner,
		Encoder:  a.encoder,
		Sink:     sink,
		Store:    a.store,
		Notifier: &upload.WriterNotifier{W: alerts},
		Log:      a.log,
		Metrics:  a.metrics,
	})
}

func doUpload(ctx context.Context, a *app, owner entity.Reference, path string, out io.Writer, htmlOut string) error {
	var file encoder.File
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		file, err = encoder.FromFilesystem(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
		if err != nil {
			return err
		}
	}
	sink := playback.NewSink(playback.Options{})
	ctrl, err := newController(a, owner, sink, out)
	if err != nil {
		return err
	}
	res, err := ctrl.Upload(ctx, file)
	if htmlOut != "" {
		if werr := writePlayer(sink, htmlOut); werr != nil {
			a.log.Warn("write player page", "path", htmlOut, "err", werr)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "annotation %s linked to %s\n", res.Attachment.ID, owner)
	return nil
}

func writePlayer(sink *playback.Sink, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := sink.Render(f, ""); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func doPlay(ctx context.Context, a *app, owner entity.Reference, id string, out io.Writer) error {
	sink := playback.NewSink(playback.Options{})
	ctrl, err := newController(a, owner, sink, io.Discard)
	if err != nil {
		return err
	}
	if err := ctrl.Play(ctx, id); err != nil {
		return err
	}
	return sink.Render(out, "")
}

func doList(ctx context.Context, lister boundLister, owner entity.Reference, out io.Writer) error {
	ids, err := lister.ListBound(ctx, store.AnnotationLogicalName, owner)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runServe(ctx context.Context, a *app, opt httpServeOptions) error {
	httpOpts := httpapi.Options{
		APIKey:         opt.APIKey,
		MaxUploadBytes: viper.GetInt64("max_bytes"),
		SessionEntries: opt.Sessions,
		SessionTTL:     opt.SessionTTL,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opt.RateLimit,
			Window:   opt.RateWindow,
		}
	}
	server := &httpapi.Server{
		Store:    a.store,
		Encoder:  a.encoder,
		Log:      a.log,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Opts:     httpOpts,
	}
	if lister, ok := a.records.(boundLister); ok {
		server.Bindings = lister
	}
	return server.Start(ctx, opt.Addr)
}
