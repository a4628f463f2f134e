package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"go.uber.org/zap"

	"github.com/ferrumchain/ferrum/app/services/node/handlers"
	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/database/storage"
	"github.com/ferrumchain/ferrum/foundation/blockchain/p2p"
	"github.com/ferrumchain/ferrum/foundation/blockchain/peer"
	"github.com/ferrumchain/ferrum/foundation/blockchain/state"
	"github.com/ferrumchain/ferrum/foundation/blockchain/worker"
	"github.com/ferrumchain/ferrum/foundation/events"
	"github.com/ferrumchain/ferrum/foundation/logger"
)

// build is the git version of this program. It is set using build flags
// in the makefile.
var build = "develop"

func main() {
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()

		if errors.Is(err, state.ErrCorruptChain) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Args conf.Args
		Web  struct {
			StatusHost      string        `conf:"default:0.0.0.0:8080"`
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
		}
		State struct {
			ListenAddr     string `conf:"default:0.0.0.0:9000"`
			BlockchainFile string `conf:"default:zblock/blockchain.db"`
			GenesisFile    string `conf:"default:zblock/genesis.json"`
			SelectStrategy string `conf:"default:feerate"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "blockchain full node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags. Positional
	// arguments are the initial peer addresses.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Blockchain Support

	genesis, err := database.LoadGenesis(cfg.State.GenesisFile)
	if err != nil {
		return fmt.Errorf("unable to load genesis: %w", err)
	}

	strg, err := storage.NewFile(cfg.State.BlockchainFile)
	if err != nil {
		return fmt.Errorf("unable to open blockchain file: %w", err)
	}

	// A peer set is a collection of known nodes in the network so blocks
	// and transactions can be shared. The positional arguments seed it.
	peerSet := peer.NewPeerSet()
	for _, host := range cfg.Args {
		peerSet.Add(peer.New(host))
	}

	// The blockchain packages accept a function of this signature to allow
	// the application to log. These raw messages also feed any websocket
	// client connected through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s)
		evts.Send(s)
	}

	st, err := state.New(state.Config{
		Genesis:        genesis,
		Storage:        strg,
		SelectStrategy: cfg.State.SelectStrategy,
		KnownPeers:     peerSet,
		EvHandler:      ev,
	})
	if err != nil {
		return err
	}
	defer st.Shutdown()

	// =========================================================================
	// Peer Protocol Support

	srv, err := p2p.New(p2p.Config{
		ListenAddr: cfg.State.ListenAddr,
		State:      st,
		KnownPeers: peerSet,
		EvHandler:  ev,
	})
	if err != nil {
		return err
	}

	// The worker implements the gossip, template push, and maintenance
	// workflows. The worker will register itself with the state.
	worker.Run(st, srv, ev)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("unable to start peer server: %w", err)
	}
	defer srv.Shutdown()

	// =========================================================================
	// Start Status Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	statusMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
	})

	status := http.Server{
		Addr:         cfg.Web.StatusHost,
		Handler:      statusMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "status api router started", "host", status.Addr)
		serverErrors <- status.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-st.Fatal():
		return fmt.Errorf("consensus fatal: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		status.Close()
	}

	return nil
}
