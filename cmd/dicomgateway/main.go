package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/client"
	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/config"
	"github.com/caio-sobreiro/dicomgateway/directory"
	"github.com/caio-sobreiro/dicomgateway/dispatch"
	"github.com/caio-sobreiro/dicomgateway/journal"
	"github.com/caio-sobreiro/dicomgateway/metrics"
	"github.com/caio-sobreiro/dicomgateway/sender"
	"github.com/caio-sobreiro/dicomgateway/server"
	"github.com/caio-sobreiro/dicomgateway/services"
	"github.com/caio-sobreiro/dicomgateway/types"
)

const journalGCInterval = 10 * time.Minute

var exampleUsage = strings.TrimSpace(`
  dicomgateway serve --config /etc/dicomgateway/config.toml
  dicomgateway move --destination ARCHIVE --level SERIES --study 1.2.3 --series 1.2.3.4
  dicomgateway echo ARCHIVE
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := config.DefaultConfig()
	var (
		cfgPath string
		verbose bool
	)

	root := &cobra.Command{
		Use:           "dicomgateway",
		Short:         "DICOM gateway fanning C-MOVE and C-STORE out to peers and a cloud DICOM store",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd, &cfg, cfgPath)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.dicomgateway/config.toml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	pf.StringVar(&cfg.AETitle, "ae-title", cfg.AETitle, "AE title of the gateway")
	pf.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "timeout for connecting and negotiating an association")
	pf.DurationVar(&cfg.ResponseTimeout, "response-timeout", cfg.ResponseTimeout, "timeout waiting for a DIMSE response")
	pf.Uint32Var(&cfg.MaxPDULength, "max-pdu-length", cfg.MaxPDULength, "maximum PDU length announced to peers")
	pf.IntVar(&cfg.ConnectRetries, "connect-retries", cfg.ConnectRetries, "connection retries per destination before it is given up")
	pf.DurationVar(&cfg.ConnectBackoff, "connect-backoff", cfg.ConnectBackoff, "wait between connection retries")
	pf.StringVar(&cfg.Cloud.Project, "cloud-project", cfg.Cloud.Project, "Cloud Healthcare project")
	pf.StringVar(&cfg.Cloud.Location, "cloud-location", cfg.Cloud.Location, "Cloud Healthcare location")
	pf.StringVar(&cfg.Cloud.Dataset, "cloud-dataset", cfg.Cloud.Dataset, "Cloud Healthcare dataset")
	pf.StringVar(&cfg.Cloud.DICOMStore, "cloud-dicom-store", cfg.Cloud.DICOMStore, "Cloud Healthcare DICOM store")
	pf.StringVar(&cfg.Cloud.Endpoint, "cloud-endpoint", cfg.Cloud.Endpoint, "Cloud Healthcare API endpoint override")
	pf.StringVar(&cfg.Cloud.CredentialsFile, "cloud-credentials-file", cfg.Cloud.CredentialsFile, "service account key file (default: application default credentials)")
	if err := pf.MarkHidden("cloud-endpoint"); err != nil {
		panic(err)
	}

	root.AddCommand(
		serveCmd(&cfg, &verbose),
		moveCmd(&cfg, &verbose),
		echoCmd(&cfg, &verbose),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dicomgateway:", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file and DICOMGW_* variables under the flags
// set on the command line.
func loadConfig(cmd *cobra.Command, cfg *config.Config, cfgPath string) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := cfgPath
	if cfgFile == "" {
		cfgFile = config.DefaultConfigPath()
	}
	if cfgFile != "" && config.FileExists(cfgFile) {
		fc, err := config.LoadFileConfig(cfgFile)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		if err := config.ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	} else if cfgPath != "" {
		return errors.Errorf("config file %s not found", cfgPath)
	}

	if err := config.ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}
	return cfg.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := zapCfg.Build()
	return log, errors.WithStack(err)
}

// withLogger builds the process logger and stores it in the command context.
func withLogger(cmd *cobra.Command, verbose bool) (context.Context, *zap.Logger, error) {
	log, err := newLogger(verbose)
	if err != nil {
		return nil, nil, err
	}
	return logger.WithLogger(cmd.Context(), log), log, nil
}

// gateway holds the collaborators shared by the subcommands.
type gateway struct {
	directory *directory.Directory
	factory   *sender.DefaultFactory
	source    cloud.Source
}

func newGateway(ctx context.Context, cfg *config.Config, log *zap.Logger) (*gateway, error) {
	dir, err := cfg.Directory()
	if err != nil {
		return nil, err
	}

	g := &gateway{
		directory: dir,
		factory:   &sender.DefaultFactory{Session: cfg.SessionConfig(log)},
	}
	if cfg.CloudEnabled() {
		dicomWeb, err := cloud.NewDICOMWeb(ctx, cfg.Cloud, log)
		if err != nil {
			return nil, err
		}
		g.source = dicomWeb
		g.factory.Source = dicomWeb
		g.factory.CloudStore = dicomWeb
	}
	return g, nil
}

func serveCmd(cfg *config.Config, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DICOM SCP and the admin HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, log, err := withLogger(cmd, *verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return serve(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "DICOM listen address")
	f.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "admin HTTP listen address (empty disables it)")
	f.StringVar(&cfg.JournalDir, "journal-dir", cfg.JournalDir, "transfer journal directory (empty keeps it in memory)")
	f.DurationVar(&cfg.JournalRetention, "journal-retention", cfg.JournalRetention, "how long journal records are kept (0 keeps them forever)")
	f.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "minimum time between C-MOVE pending responses")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	g, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.JournalDir, cfg.JournalRetention, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			log.Error("Closing journal failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher := dispatch.New(g.directory, g.factory, dispatch.Config{
		Retry:            cfg.RetryPolicy(),
		ProgressInterval: cfg.ProgressInterval,
		Observers:        []dispatch.Observer{metrics.NewCollector(reg), j},
	})

	registry := services.NewRegistry()
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(types.CMoveRQ, services.NewMoveService(dispatcher, g.source, cfg.Routes))
	if len(cfg.Forward) > 0 {
		registry.RegisterHandler(types.CStoreRQ, services.NewStoreService(dispatcher, cfg.Forward))
	}

	dicomListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithStack(err)
	}
	defer dicomListener.Close()

	var adminListener net.Listener
	if cfg.MetricsListen != "" {
		adminListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			return errors.WithStack(err)
		}
		defer adminListener.Close()
	}

	log.Info("DICOM gateway started",
		zap.String("ae_title", cfg.AETitle),
		zap.Stringer("listen", dicomListener.Addr()),
		zap.Strings("destinations", g.directory.Names()),
		zap.Bool("cloud", cfg.CloudEnabled()))

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("scp", parallel.Fail, func(ctx context.Context) error {
			srv := server.New(cfg.AETitle, registry,
				server.WithLogger(log),
				server.WithMaxPDULength(cfg.MaxPDULength))
			return srv.Serve(ctx, dicomListener)
		})
		if adminListener != nil {
			spawn("admin", parallel.Fail, func(ctx context.Context) error {
				return metrics.Serve(ctx, adminListener, metrics.NewRouter(reg, reg, j))
			})
		}
		spawn("journalGC", parallel.Fail, func(ctx context.Context) error {
			return j.RunGC(ctx, journalGCInterval)
		})
		return nil
	})
	if errors.Is(err, context.Canceled) {
		log.Info("DICOM gateway stopped")
		return nil
	}
	return err
}

func moveCmd(cfg *config.Config, verbose *bool) *cobra.Command {
	var (
		destination string
		level       string
		query       cloud.MoveQuery
	)

	cmd := &cobra.Command{
		Use:   "move",
		Short: "Copy matching cloud instances to one destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, log, err := withLogger(cmd, *verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if query.Level, err = cloud.ParseLevel(level); err != nil {
				return err
			}
			if err := query.Validate(); err != nil {
				return err
			}
			if !cfg.CloudEnabled() {
				return errors.WithStack(errNoCloud)
			}

			g, err := newGateway(ctx, cfg, log)
			if err != nil {
				return err
			}
			entry, err := g.directory.Entry(destination)
			if err != nil {
				return err
			}
			s, err := g.factory.Create(entry)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.RetrieveEmulatedMove(ctx, entry.Destination, query)
			log.Info("Move finished",
				zap.String("destination", destination),
				zap.Stringer("query", query),
				zap.Int("stored", n),
				zap.Error(err))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d instance(s) stored to %s\n", n, destination)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&destination, "destination", "", "destination name")
	f.StringVar(&level, "level", string(cloud.LevelStudy), "query/retrieve level (STUDY, SERIES, IMAGE)")
	f.StringVar(&query.PatientID, "patient", "", "patient ID")
	f.StringVar(&query.StudyInstanceUID, "study", "", "study instance UID")
	f.StringVar(&query.SeriesInstanceUID, "series", "", "series instance UID")
	f.StringVar(&query.SOPInstanceUID, "instance", "", "SOP instance UID")
	if err := cmd.MarkFlagRequired("destination"); err != nil {
		panic(err)
	}
	return cmd
}

var errNoCloud = errors.New("no [cloud] store configured")

func echoCmd(cfg *config.Config, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <destination>",
		Short: "Verify a peer destination with C-ECHO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, log, err := withLogger(cmd, *verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			dir, err := cfg.Directory()
			if err != nil {
				return err
			}
			entry, err := dir.Entry(args[0])
			if err != nil {
				return err
			}
			if entry.Kind != directory.KindPeer {
				return errors.Errorf("destination %q is not a DICOM peer", entry.Name)
			}

			start := time.Now()
			assoc, err := client.Connect(ctx, entry.Address(), client.Config{
				CallingAETitle:  cfg.AETitle,
				CalledAETitle:   entry.Name,
				MaxPDULength:    cfg.MaxPDULength,
				ConnectTimeout:  cfg.ConnectTimeout,
				ResponseTimeout: cfg.ResponseTimeout,
				Logger:          log,
			})
			if err != nil {
				return err
			}
			defer assoc.Close()

			rsp, err := assoc.SendCEcho(ctx)
			if err != nil {
				return err
			}
			if rsp.Status != types.StatusSuccess {
				return errors.Errorf("C-ECHO to %s returned status 0x%04x", entry.Name, rsp.Status)
			}
			if err := assoc.Release(); err != nil {
				log.Warn("Releasing association failed", zap.Error(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "C-ECHO to %s succeeded in %s\n", entry.Name, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
