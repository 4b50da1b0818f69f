// Package main is a minimal HTTP health check binary for use in distroless
// containers. It exits 0 when gatekeeper's /health endpoint returns HTTP 200,
// and 1 otherwise. Compile with CGO_ENABLED=0 for a fully static binary.
//
// The probed port follows GATEKEEPER_PORT so the probe matches the
// server's own configuration.
package main

import (
	"net/http"
	"os"
	"time"
)

func healthURL() string {
	port := os.Getenv("GATEKEEPER_PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port + "/health"
}

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(healthURL())
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
