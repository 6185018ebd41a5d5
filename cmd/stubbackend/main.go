// Package main provides a stub backend for testing the pool daemon locally.
// It speaks both backend protocols: a TCP listener answering PING with PONG
// (the "direct" driver) and an HTTP session API (the "gateway" driver).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	tcpPort := flag.Int("tcp-port", 3001, "TCP port for the direct protocol")
	httpPort := flag.Int("http-port", 3002, "HTTP port for the session API")
	flag.Parse()

	go serveTCP(fmt.Sprintf(":%d", *tcpPort))
	serveHTTP(fmt.Sprintf(":%d", *httpPort))
}

// serveTCP answers "PING\n" with "PONG\n" on each accepted connection until
// the client hangs up. Anything else gets "ERR\n".
func serveTCP(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("tcp listen: %v", err)
	}
	log.Printf("direct protocol listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			r := bufio.NewReader(c)
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimSpace(line) == "PING" {
					fmt.Fprint(c, "PONG\n")
				} else {
					fmt.Fprint(c, "ERR\n")
				}
			}
		}(conn)
	}
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	nextID   atomic.Uint64
}

// serveHTTP implements the gateway session API:
//
//	POST   /v1/sessions            → create a session, returns {"session_id": ...}
//	GET    /v1/sessions/{id}/ping  → 200 if the session exists
//	DELETE /v1/sessions/{id}      → tear down the session
func serveHTTP(addr string) {
	store := &sessionStore{sessions: make(map[string]time.Time)}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := fmt.Sprintf("sess-%d", store.nextID.Add(1))
		store.mu.Lock()
		store.sessions[id] = time.Now()
		store.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"session_id": id})
		log.Printf("session created: %s", id)
	})

	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")

		if id, ok := strings.CutSuffix(rest, "/ping"); ok && r.Method == http.MethodGet {
			store.mu.Lock()
			_, exists := store.sessions[id]
			store.mu.Unlock()
			if !exists {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.Method == http.MethodDelete {
			store.mu.Lock()
			delete(store.sessions, rest)
			store.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			log.Printf("session deleted: %s", rest)
			return
		}

		http.Error(w, "not found", http.StatusNotFound)
	})

	log.Printf("session API listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
