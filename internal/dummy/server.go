// Package dummy is a local target with predictable latency and failure
// profiles, for trying plans without a real service.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFlakyRate is the share of /flaky requests answered with a 500.
const DefaultFlakyRate = 0.05

type ServerConfig struct {
	Port int
	// FlakyRate overrides DefaultFlakyRate when positive.
	FlakyRate float64
}

func sleep(r *http.Request, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.Context().Done():
		return false
	}
}

func between(min, max int) time.Duration {
	return time.Duration(rand.Intn(max-min)+min) * time.Millisecond
}

// NewHandler returns the dummy endpoints.
func NewHandler(cfg ServerConfig) http.Handler {
	flaky := cfg.FlakyRate
	if flaky <= 0 {
		flaky = DefaultFlakyRate
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		if sleep(r, between(10, 50)) {
			w.Write([]byte("Fast response"))
		}
	})

	mux.HandleFunc("/medium", func(w http.ResponseWriter, r *http.Request) {
		if sleep(r, between(100, 300)) {
			w.Write([]byte("Medium response"))
		}
	})

	// Good for exercising request timeouts and drain.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		if sleep(r, between(1000, 2000)) {
			w.Write([]byte("Slow response"))
		}
	})

	// Usually fast, randomly very slow: p99 suffers, p50 doesn't.
	mux.HandleFunc("/spike", func(w http.ResponseWriter, r *http.Request) {
		d := 20 * time.Millisecond
		if rand.Float32() < 0.05 {
			d = 2 * time.Second
		}
		if sleep(r, d) {
			w.Write([]byte("Spikey response"))
		}
	})

	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if !sleep(r, between(10, 50)) {
			return
		}
		if rand.Float64() < flaky {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
			return
		}
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		rnd := rand.Float32()
		if rnd < 0.2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
		} else if rnd < 0.4 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("429 Too Many Requests"))
		} else {
			w.Write([]byte("OK"))
		}
	})

	// Echo returns the request body, so templated payloads can be inspected.
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		io.Copy(w, r.Body)
	})

	return mux
}

// Serve runs the dummy server until ctx is done.
func Serve(ctx context.Context, cfg ServerConfig, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"endpoints": "/fast, /medium, /slow, /spike, /flaky, /error, /echo",
	}).Info("dummy server running")

	server := &http.Server{Handler: NewHandler(cfg), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
