package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jangji/backend/internal/config"
	"github.com/jangji/backend/internal/localstore"
	"github.com/jangji/backend/internal/logger"
	"github.com/jangji/backend/internal/models"
	"github.com/jangji/backend/internal/orchestrator"
	"github.com/jangji/backend/internal/reconcile"
	"github.com/jangji/backend/internal/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options are the global flags, defaulted from the environment
type options struct {
	serverURL string
	token     string
	dataDir   string
	logLevel  string
	policy    string
	store     string
}

// app is the wired device runtime for one command
type app struct {
	session *orchestrator.StaticSession
	store   localstore.Store
	client  *remote.Client
	probe   *orchestrator.HTTPProbe
	orch    *orchestrator.Orchestrator
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	cfg := config.LoadClient()
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "jangji-sync",
		Short:         "Offline-first reading progress for Jangji",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `jangji-sync records where you stopped reading and your bookmarks on this device,
and reconciles them with the server whenever it is reachable.

The newest record wins: every local change stamps lastReadAt and the side with
the greater lastReadAt replaces the other.`,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.serverURL, "server", cfg.ServerURL, "Sync server base URL (JANGJI_SERVER_URL)")
	flags.StringVar(&opts.token, "token", cfg.Token, "Session access token (JANGJI_TOKEN)")
	flags.StringVar(&opts.dataDir, "data-dir", cfg.DataDir, "Directory of the local progress database (JANGJI_DATA_DIR)")
	flags.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error (LOG_LEVEL)")
	flags.StringVar(&opts.policy, "policy", cfg.Policy, "Reconciliation policy: lww or merge (SYNC_POLICY)")
	flags.StringVar(&opts.store, "store", localstore.BackendSqlite, "Local store backend: sqlite or memory")

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newReadCmd(opts),
		newBookmarkCmd(opts),
		newSyncCmd(opts),
		newAgentCmd(opts),
	)

	return rootCmd
}

// open wires the local store, the remote client and the orchestrator
func (o *options) open(probeInterval time.Duration) (*app, error) {
	if err := logger.Init(o.logLevel); err != nil {
		return nil, err
	}

	policy, err := reconcile.ParsePolicy(o.policy)
	if err != nil {
		return nil, err
	}

	session, err := orchestrator.NewStaticSession(o.token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	store, err := localstore.NewStore(o.store, o.dataDir)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	client := remote.NewClient(o.serverURL, httpClient)
	probe := orchestrator.NewHTTPProbe(o.serverURL, probeInterval, httpClient, logger.Logger)
	orch := orchestrator.New(store, client, session, probe, reconcile.NewResolver(policy), logger.Logger)

	return &app{
		session: session,
		store:   store,
		client:  client,
		probe:   probe,
		orch:    orch,
		logger:  logger.Logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close local store", zap.Error(err))
	}
	logger.Sync()
}

// parseVerse reads "<surah> <ayah>" arguments
func parseVerse(args []string) (int, int, error) {
	surah, err := strconv.Atoi(args[0])
	if err != nil || surah < models.MinSurah || surah > models.MaxSurah {
		return 0, 0, fmt.Errorf("surah must be a number between %d and %d", models.MinSurah, models.MaxSurah)
	}
	ayah, err := strconv.Atoi(args[1])
	if err != nil || ayah < 1 || ayah > models.MaxAyah {
		return 0, 0, fmt.Errorf("ayah must be a number between 1 and %d", models.MaxAyah)
	}
	return surah, ayah, nil
}

func formatRecord(r *models.ProgressRecord) string {
	if r == nil {
		return "no progress recorded\n"
	}
	s := fmt.Sprintf("owner:      %s\nposition:   %d:%d\nlast read:  %s\nbookmarks:  %d\n",
		r.OwnerID, r.LastSurah, r.LastAyah,
		time.UnixMilli(r.LastReadAt).UTC().Format(time.RFC3339), len(r.Bookmarks))
	for _, b := range r.SortedBookmarks() {
		s += fmt.Sprintf("  - %d:%d (%s)\n", b.Surah, b.Ayah, time.UnixMilli(b.Timestamp).UTC().Format(time.RFC3339))
	}
	return s
}
