package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"loreforge.gg/internal/auth"
	"loreforge.gg/internal/blob"
	"loreforge.gg/internal/config"
	"loreforge.gg/internal/persistence/indexdb"
	"loreforge.gg/internal/persistence/journal"
	"loreforge.gg/internal/persistence/snapshot"
	"loreforge.gg/internal/store"
	"loreforge.gg/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "./configs/config.yaml", "config path")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite op/session index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Addr = *addr
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = *dataDir
	}
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	reg := auth.NewRegistry()
	for _, u := range cfg.Users {
		reg.Register(u.Token, auth.Identity{ID: u.ID, DisplayName: u.DisplayName})
	}
	logger.Printf("registered %d auth tokens", len(cfg.Users))

	tree := store.NewTree()

	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if p, err := snapshot.Latest(snapDir); err == nil {
			snapshotToLoad = p
		}
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.Read(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := tree.Import(snap.State); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s saved_at=%d", filepath.Base(snapshotToLoad), snap.Header.SavedAt)
	}

	opLog := journal.NewOpLogger(cfg.DataDir)
	defer opLog.Close()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
		defer idx.Close()
	}

	recorder := multiRecorder{opLog}
	if idx != nil {
		recorder = append(recorder, idx)
	}

	blobs := blob.NewStore(filepath.Join(cfg.DataDir, "blobs"), logger)

	ctx, cancel := signalContext()
	defer cancel()

	saveSnapshot := func() (string, error) {
		state, _ := tree.Export().(map[string]any)
		path, err := snapshot.Save(snapDir, state)
		if err != nil {
			return "", err
		}
		if idx != nil {
			var size int64
			if st, err := os.Stat(path); err == nil {
				size = st.Size()
			}
			idx.RecordSnapshot(path, time.Now().UnixMilli(), size)
		}
		return path, nil
	}

	// Periodic snapshots; the final one runs at shutdown.
	go func() {
		tick := time.NewTicker(time.Duration(cfg.SnapshotEverySec) * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if p, err := saveSnapshot(); err != nil {
					logger.Printf("snapshot: %v", err)
				} else {
					logger.Printf("snapshot written: %s", filepath.Base(p))
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP loreforge_sessions Current number of sessions in the store.\n")
		fmt.Fprintf(rw, "# TYPE loreforge_sessions gauge\n")
		fmt.Fprintf(rw, "loreforge_sessions %d\n", sessionCount(tree))
	})

	enablePprofHTTP := envBool("LF_ENABLE_PPROF_HTTP", false)
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (LF_ENABLE_PPROF_HTTP=false)")
	}

	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		path, err := saveSnapshot()
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path})
	})
	mux.HandleFunc("/admin/v1/sessions", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		if idx == nil {
			_ = json.NewEncoder(rw).Encode([]any{})
			return
		}
		rows, err := idx.Sessions()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(rw).Encode(rows)
	})

	mux.HandleFunc("/v1/canvas", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"map_width":  cfg.MapWidth,
			"map_height": cfg.MapHeight,
			"grid_pitch": cfg.GridPitch,
		})
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(tree, reg, recorder, logger).Handler())
	mux.HandleFunc("/v1/upload", blobs.UploadHandler())
	mux.HandleFunc(blob.URLPrefix, blobs.ServeHandler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	if p, err := saveSnapshot(); err != nil {
		logger.Printf("final snapshot: %v", err)
	} else {
		logger.Printf("final snapshot written: %s", filepath.Base(p))
	}
}

// multiRecorder fans accepted mutations out to every sink.
type multiRecorder []ws.Journal

func (m multiRecorder) Record(entry ws.OpRecord) error {
	var first error
	for _, j := range m {
		if err := j.Record(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func sessionCount(tree *store.Tree) int {
	v, err := tree.ReadOnce("sessions")
	if err != nil {
		return 0
	}
	m, _ := v.(map[string]any)
	return len(m)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
