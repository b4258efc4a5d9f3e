package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/astromechza/sharecode/pkg/logstore"
	"github.com/astromechza/sharecode/pkg/playback"
	"github.com/astromechza/sharecode/pkg/session"
)

func newServeCmd() *cobra.Command {
	var configPath, addr, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if dbPath != "" {
				cfg.Database = dbPath
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "the address to listen on")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the update log database")
	return cmd
}

func runServe(cfg ServerConfig) error {
	slog.Info("Opening database", "path", cfg.Database)
	store, err := logstore.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	grants := make(map[string]TokenGrant, len(cfg.Tokens))
	for _, g := range cfg.Tokens {
		grants[g.Token] = g
	}
	authorize := func(ctx context.Context, token, documentID string) (bool, string, error) {
		if g, ok := grants[token]; ok {
			return g.CanEdit, g.Actor, nil
		}
		if cfg.AllowAnonymous {
			return false, "", nil
		}
		return false, "", fmt.Errorf("unknown token")
	}

	manager := session.NewManager(store, authorize)

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/documents/{document}/updates").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		serveUpdates(store, writer, request)
	})
	r.Methods(http.MethodGet).Path("/documents/{document}/sync").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		manager.HandleSync(writer, request, mux.Vars(request)["document"])
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	_ = httpServer.Close()
	wg.Wait()
	return nil
}

// serveUpdates returns the full ordered history of a document as wire
// records for the playback viewer.
func serveUpdates(store *logstore.Store, writer http.ResponseWriter, request *http.Request) {
	documentID := mux.Vars(request)["document"]
	records, err := store.ListOrdered(request.Context(), documentID)
	if err != nil {
		slog.Error("failed to list updates", "document", documentID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	wire := make([]playback.WireRecord, 0, len(records))
	for _, rec := range records {
		w, err := playback.WireFromStore(rec)
		if err != nil {
			slog.Error("failed to encode record", "record", rec.ID, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		wire = append(wire, w)
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(wire); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}
