package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRegistry_ServeExposesMetrics(t *testing.T) {
	r := New()
	r.ChunksSent.Add(3)
	r.BytesSent.Add(1024)
	r.WindowSize.Set(32)

	ln := mustFreeAddr(t)
	srv := r.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	var body string
	for i := 0; i < 20; i++ {
		resp, err := http.Get("http://" + ln + "/metrics")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !strings.Contains(body, "dropwire_chunks_sent_total 3") {
		t.Errorf("expected chunks_sent_total in scrape output, got:\n%s", body)
	}
	if !strings.Contains(body, "dropwire_window_size 32") {
		t.Errorf("expected window_size in scrape output, got:\n%s", body)
	}
}

func mustFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
