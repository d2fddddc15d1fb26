// Standalone mock REST service for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/restadapter serve -c example/adapter.yaml
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", ":9999", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fmt.Printf("Mock REST service starting on %s\n", *addr)
	fmt.Println("  /api/status   JSON, changes every request")
	fmt.Println("  /api/motd     text/plain; charset=iso-8859-1")
	fmt.Println("  /api/counter  application/octet-stream, 8-byte big-endian counter")
	fmt.Println("  /api/secure   JSON behind basic auth (demo/demo)")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	var requests atomic.Uint64
	statuses := []string{"ok", "degraded", "down"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"status":   statuses[rand.Intn(len(statuses))],
			"requests": n,
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("failed to write response", "error", err)
		}
	})
	mux.HandleFunc("GET /api/motd", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		// "Café ouvert" in Latin-1
		_, _ = w.Write([]byte{'C', 'a', 'f', 0xe9, ' ', 'o', 'u', 'v', 'e', 'r', 't'})
	})
	mux.HandleFunc("GET /api/counter", func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(binary.BigEndian.AppendUint64(nil, n))
	})
	mux.HandleFunc("GET /api/secure", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "demo" || pass != "demo" {
			w.Header().Set("WWW-Authenticate", `Basic realm="mock"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"secret":%d}`, requests.Add(1))
	})

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("mock server error", "error", err)
		os.Exit(1)
	}
}
