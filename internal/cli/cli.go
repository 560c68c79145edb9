// ============================================================================
// Shiftplan CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree wiring the coordinator, the live store, the
//          remote client and the ops endpoints together
//
// Command Structure:
//   shiftplan                      # Root command
//   ├── run                        # Long-running session
//   ├── generate                   # One-shot schedule generation
//   │   ├── --start, --end        # Inclusive date range (YYYY-MM-DD)
//   │   └── --xlsx                # Optional workbook output
//   ├── export                     # Stored schedule -> XLSX
//   │   ├── --slot                # Document slot (default "current")
//   │   └── --out, -o             # Output file
//   ├── status                     # gRPC health check of a running session
//   │   └── --addr                # Server address (default from config)
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config, set up slog
//   2. Open the live store (sqlite | file | postgres)
//   3. Start the coordinator under the configured company
//   4. Start the gRPC health server and the metrics server (if enabled)
//   5. Read intents from stdin, one JSON object per line
//   6. Write every snapshot to stdout, one JSON object per line
//   7. SIGINT / SIGTERM: stop servers, coordinator, store
//
//   Example:
//     echo '{"kind":"load_initial_data"}' | ./shiftplan run -c configs/default.yaml
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/internal/coordinator"
	"github.com/ChuLiYu/shiftplan/internal/export"
	"github.com/ChuLiYu/shiftplan/internal/jobtracker"
	"github.com/ChuLiYu/shiftplan/internal/metrics"
	"github.com/ChuLiYu/shiftplan/internal/remote"
	"github.com/ChuLiYu/shiftplan/internal/server"
	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/internal/store/filestore"
	"github.com/ChuLiYu/shiftplan/internal/store/pgstore"
	"github.com/ChuLiYu/shiftplan/internal/store/sqlitestore"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// ErrUnknownBackend is returned for an unsupported store.backend value.
var ErrUnknownBackend = errors.New("unknown store backend")

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shiftplan",
		Short: "Shiftplan: schedule orchestration against a remote optimizer",
		Long: `Shiftplan drives schedule generation on a remote optimization service:
- Signed submit-and-poll job client
- Training gate before every generation
- Live schedule store (sqlite, file or postgres) with push updates
- Immutable session snapshots, gRPC health and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// 元件組裝
// ============================================================================

// session 是一次執行所需的全部元件
type session struct {
	cfg      *Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	store    store.LiveStore
	coord    *coordinator.Coordinator
}

func openSession(ctx context.Context, cfg *Config) (*session, error) {
	logger, err := newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := remote.New(cfg.remoteConfig(),
		remote.WithLogger(logger),
		remote.WithMetrics(m),
		remote.WithTracker(jobtracker.New()),
	)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	coord := coordinator.New(cfg.coordinatorConfig(), coordinator.Deps{
		Remote:  client,
		Store:   st,
		Metrics: m,
		Logger:  logger,
	})

	return &session{cfg: cfg, logger: logger, registry: reg, metrics: m, store: st, coord: coord}, nil
}

func (s *session) start(ctx context.Context) error {
	return s.coord.Start(company.WithID(ctx, s.cfg.Company))
}

func (s *session) close() {
	s.coord.Stop()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store.close.failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.LiveStore, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := sqlitestore.Open(cfg.Store.Path, cfg.Store.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	case "file":
		st, err := filestore.Open(cfg.Store.Dir, cfg.Store.Debounce)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := pgstore.Open(ctx, cfg.pgConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Store.Backend)
	}
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a scheduling session",
		Long:  "Start the coordinator, read JSON intents from stdin and write snapshots to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runSystem(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	s.logger.Info("session.started", "company", cfg.Company, "store", cfg.Store.Backend)

	var lis net.Listener
	if cfg.Server.Enabled {
		lis, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			s.logger.Info("metrics.listening", "addr", cfg.Metrics.Addr)
			return metrics.StartServer(gctx, cfg.Metrics.Addr, s.registry)
		})
	}

	if lis != nil {
		srv := server.New(s.coord, s.logger)
		g.Go(func() error {
			s.logger.Info("grpc.listening", "addr", lis.Addr().String())
			return srv.Serve(gctx, lis)
		})
	}

	g.Go(func() error {
		return writeSnapshots(gctx, s.coord, out)
	})

	// stdin 讀取可能永遠阻塞，不放進 errgroup
	go readIntents(s.coord, in, s.logger)

	err = g.Wait()
	s.logger.Info("session.stopping")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func writeSnapshots(ctx context.Context, coord *coordinator.Coordinator, out io.Writer) error {
	snaps, cancel := coord.Subscribe()
	defer cancel()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}
		}
	}
}

func readIntents(coord *coordinator.Coordinator, in io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		intent, err := parseIntent(scanner.Text())
		if errors.Is(err, errEmptyLine) {
			continue
		}
		if err != nil {
			logger.Warn("intent.invalid", "error", err)
			continue
		}
		if err := coord.Post(intent); err != nil {
			logger.Warn("intent.rejected", "kind", intent.Kind(), "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin.read.failed", "error", err)
		return
	}
	logger.Debug("stdin.closed")
}

// ============================================================================
// generate
// ============================================================================

func buildGenerateCommand() *cobra.Command {
	var start, end, companyID, xlsxPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate and store a schedule for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if companyID != "" {
				cfg.Company = companyID
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return generateSchedule(ctx, cfg, start, end, xlsxPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&companyID, "company", "", "company environment (overrides config)")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the schedule to this XLSX file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall deadline")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")

	return cmd
}

func generateSchedule(ctx context.Context, cfg *Config, start, end, xlsxPath string, out io.Writer) error {
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if _, err := s.coord.Do(ctx, coordinator.LoadInitialData{}); err != nil {
		return fmt.Errorf("load initial data: %w", err)
	}
	if _, err := waitForPhase(ctx, s.coord, coordinator.PhaseLoaded); err != nil {
		return err
	}

	outcome, err := s.coord.Do(ctx, coordinator.GenerateSchedules{Start: start, End: end})
	if err != nil {
		return fmt.Errorf("generate schedules: %w", err)
	}
	shifts := outcome.Snapshot.Shifts()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(shifts); err != nil {
		return fmt.Errorf("failed to write schedule: %w", err)
	}

	if xlsxPath == "" {
		return nil
	}
	return writeXLSX(s.logger, cfg.Company, shifts, xlsxPath)
}

// waitForPhase 等到 coordinator 進入 want；進入 Error 直接回報訊息
func waitForPhase(ctx context.Context, coord *coordinator.Coordinator, want coordinator.Phase) (coordinator.Snapshot, error) {
	snaps, cancel := coord.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return coordinator.Snapshot{}, ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return coordinator.Snapshot{}, coordinator.ErrStopped
			}
			switch snap.Phase {
			case want:
				return snap, nil
			case coordinator.PhaseError:
				return snap, errors.New(snap.Message)
			}
		}
	}
}

func writeXLSX(logger *slog.Logger, environment string, shifts []types.Shift, path string) error {
	data, err := export.NewExporter(logger).ScheduleXLSX(environment, shifts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// export
// ============================================================================

func buildExportCommand() *cobra.Command {
	var slot, outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a stored schedule to XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return exportSchedule(cmd.Context(), cfg, slot, outPath)
		},
	}

	cmd.Flags().StringVar(&slot, "slot", types.DefaultSlot, "document slot")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output XLSX file")
	cmd.MarkFlagRequired("out")

	return cmd
}

func exportSchedule(ctx context.Context, cfg *Config, slot, outPath string) error {
	logger, err := newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := findDoc(ctx, st, slot)
	if err != nil {
		return err
	}
	return writeXLSX(logger, cfg.Company, doc.Schedule, outPath)
}

func findDoc(ctx context.Context, st store.LiveStore, slot string) (types.ScheduleDocument, error) {
	docs, err := st.List(ctx)
	if err != nil {
		return types.ScheduleDocument{}, fmt.Errorf("failed to list schedules: %w", err)
	}
	for _, d := range docs {
		if d.Slot == slot {
			return d, nil
		}
	}
	return types.ScheduleDocument{}, fmt.Errorf("%w: slot %q", store.ErrNotFound, slot)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the health of a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = cfg.Server.Addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, addr, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func showStatus(ctx context.Context, addr string, out io.Writer, opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
