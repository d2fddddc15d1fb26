package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// StartMockWeatherServer runs a mock weather service on addr. Each city's
// temperature drifts on every request.
// Call this in a goroutine before starting the adapter.
func StartMockWeatherServer(addr string) {
	var (
		mu    sync.Mutex
		temps = map[string]float64{"london": 12, "paris": 15, "madrid": 21}
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /weather/{city}", func(w http.ResponseWriter, r *http.Request) {
		city := r.PathValue("city")

		// simulate small latency variance
		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

		mu.Lock()
		temp, ok := temps[city]
		if ok {
			temp += rand.Float64() - 0.5
			temps[city] = temp
		}
		mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"city":       city,
			"celsius":    temp,
			"observedAt": time.Now().UTC().Format(time.RFC3339),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}
