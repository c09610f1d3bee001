//go:build ignore
// +build ignore

// Mock OAuth2 token endpoint and data API for running the broker locally.
// Run with: go run scripts/mock-backend.go -port 9001
// and point the broker at configs/broker.local.yaml.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type issued struct {
	clientID  string
	expiresAt time.Time
}

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "backend", "Backend name")
	ttl := flag.Duration("ttl", time.Hour, "Lifetime reported in expires_in")
	flag.Parse()

	var mu sync.Mutex
	tokens := make(map[string]issued)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"backend": *name,
		})
	})

	// Client-credentials grant with HTTP Basic client authentication.
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, secret, ok := r.BasicAuth()
		if !ok || id == "" || secret == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
			return
		}

		buf := make([]byte, 16)
		rand.Read(buf)
		tok := hex.EncodeToString(buf)

		mu.Lock()
		tokens[tok] = issued{clientID: id, expiresAt: time.Now().Add(*ttl)}
		mu.Unlock()

		log.Printf("issued token for client_id=%s", id)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": tok,
			"token_type":   "Bearer",
			"expires_in":   int(ttl.Seconds()),
		})
	})

	// Data endpoint: accepts only tokens issued above and echoes the request.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		mu.Lock()
		t, ok := tokens[tok]
		mu.Unlock()
		if !ok || time.Now().After(t.expiresAt) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"backend":     *name,
			"client_id":   t.clientID,
			"path":        r.URL.Path,
			"method":      r.Method,
			"query":       r.URL.RawQuery,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().Format(time.RFC3339),
			"headers":     headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock backend '%s' starting on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func headerMap(h http.Header) map[string]string {
	result := make(map[string]string)
	for k, v := range h {
		if len(v) > 0 && k != "Authorization" {
			result[k] = v[0]
		}
	}
	return result
}
