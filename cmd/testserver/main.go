// testserver starts a red-team API server backed by a throwaway SQLite file
// and an in-process stub chat target, for manual and E2E testing.
// Usage: go run ./cmd/testserver
//
// Jobs should point target_endpoint_url at the stub address logged on startup.
package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/redteam/internal/api"
	"github.com/seantiz/redteam/internal/config"
	"github.com/seantiz/redteam/internal/engine"
	"github.com/seantiz/redteam/internal/probe"
	"github.com/seantiz/redteam/internal/store"
	"github.com/seantiz/redteam/internal/strategy"
	"github.com/seantiz/redteam/internal/target"
)

// stubChat answers every chat request with a single streamed message. Prompts
// that mention "refuse" get a refusal so both verdicts can be exercised.
type stubChat struct {
	delay time.Duration
}

func (s stubChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	time.Sleep(s.delay)

	answer := "Sure, here is what you asked for."
	for _, m := range req.Messages {
		if strings.Contains(strings.ToLower(m.Content), "refuse") {
			answer = "I'm sorry, I can't help with that."
		}
	}
	line, _ := json.Marshal(map[string]any{
		"message": map[string]string{"role": "assistant", "content": answer},
		"done":    true,
	})
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Write(append(line, '\n'))
}

func main() {
	addr := ":8080"
	if v := os.Getenv("REDTEAM_LISTEN_ADDR"); v != "" {
		addr = v
	}
	stubAddr := "127.0.0.1:8081"
	if v := os.Getenv("REDTEAM_STUB_ADDR"); v != "" {
		stubAddr = v
	}

	logger := config.NewLogger(os.Stdout, config.Config{LogLevel: os.Getenv("REDTEAM_LOG_LEVEL")}.Level())

	ln, err := net.Listen("tcp", stubAddr)
	if err != nil {
		log.Fatalf("listen for stub target: %v", err)
	}
	go func() {
		if err := http.Serve(ln, stubChat{delay: 100 * time.Millisecond}); err != nil {
			logger.Error("stub target stopped", "error", err)
		}
	}()

	dir, err := os.MkdirTemp("", "redteam-testserver-*")
	if err != nil {
		log.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// Executions and timeout marks hold separate sessions, which a
	// single-connection :memory: database cannot serve.
	db, err := store.NewSQLiteStore(filepath.Join(dir, "testserver.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	targets := target.NewDefaultRegistry(target.Options{Logger: logger})
	eng := engine.New(db, targets,
		strategy.NewResolver(logger),
		probe.NewSimulator(4, logger),
		engine.Options{Logger: logger},
	)
	srv := api.NewServer(addr, eng, targets, logger)

	logger.Info("testserver: starting", "addr", addr, "stub_target", "http://"+ln.Addr().String())
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
