package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenlive/livesync/accessgate"
	"github.com/lumenlive/livesync/call"
	"github.com/lumenlive/livesync/config"
	"github.com/lumenlive/livesync/event"
	"github.com/lumenlive/livesync/metricscache"
	"github.com/lumenlive/livesync/router"
	"github.com/lumenlive/livesync/transport/wstransport"
)

// apiClient talks to the platform's REST API for the pull paths the push
// channel does not cover: balance checks before accepting a paid call and
// authoritative metrics snapshots.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Balance implements the call engine's precondition query.
func (c *apiClient) Balance(ctx context.Context) (float64, error) {
	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := c.get(ctx, "/v1/wallet/balance", &body); err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return body.Balance, nil
}

// FetchSnapshot implements the metrics cache's pull side.
func (c *apiClient) FetchSnapshot(ctx context.Context, resourceID string, tr metricscache.TimeRange) (metricscache.Snapshot, error) {
	var body struct {
		TakenAt time.Time          `json:"takenAt"`
		Values  map[string]float64 `json:"values"`
	}
	path := fmt.Sprintf("/v1/streams/%s/metrics?from=%d&to=%d",
		url.PathEscape(resourceID), tr.From.Unix(), tr.To.Unix())
	if err := c.get(ctx, path, &body); err != nil {
		return metricscache.Snapshot{}, fmt.Errorf("snapshot fetch failed: %w", err)
	}
	return metricscache.Snapshot{
		Resource: resourceID,
		TakenAt:  body.TakenAt,
		Values:   body.Values,
	}, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		pushURL    = flag.String("push-url", "", "Websocket push endpoint (overrides config)")
		viewerID   = flag.String("viewer-id", "", "Viewer identity (overrides config)")
		apiURL     = flag.String("api-url", "https://api.lumenlive.example", "REST API base URL")
		resource   = flag.String("stream", "", "Stream session id to synchronize")
		envFile    = flag.String("env-file", "", "Optional .env file with secrets")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("Failed to load env file: %v", err)
		}
	} else {
		// Best effort: a local .env is optional
		_ = godotenv.Load()
	}

	cfg := &config.Config{Version: 1}
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if *pushURL != "" {
		cfg.Transport.URL = *pushURL
	}
	if *viewerID != "" {
		cfg.Viewer.ID = *viewerID
	}
	if token := os.Getenv("LIVESYNC_PUSH_TOKEN"); token != "" {
		cfg.Transport.AuthToken = token
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *resource == "" {
		log.Fatal("--stream is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	header := http.Header{}
	if token := cfg.ResolveAuthToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	tr, err := wstransport.Dial(ctx, wstransport.Options{
		URL:         cfg.Transport.URL,
		DialTimeout: cfg.DialTimeout(),
		Header:      header,
	})
	if err != nil {
		log.Fatalf("Failed to connect push transport: %v", err)
	}
	defer tr.Close()

	api := newAPIClient(*apiURL, os.Getenv("LIVESYNC_API_TOKEN"))

	r := router.New(tr)

	engine := call.NewEngine(call.Options{
		Window:  cfg.NegotiationWindow(),
		Sender:  r,
		Balance: api.Balance,
		OnAccepted: func(req call.Request) {
			log.Printf("Call %s accepted, proceeding to session setup", req.ID)
		},
	})
	defer engine.Close()

	gate := accessgate.NewController(cfg.Viewer.ID)

	cache := metricscache.NewCache(metricscache.Options{
		Resource:   *resource,
		Fetcher:    api,
		HistoryCap: cfg.Metrics.HistoryCap,
	})

	r.Route(engine,
		event.KindCallRequested, event.KindCallAccepted,
		event.KindCallDeclined, event.KindCallCancelled)
	r.Route(gate,
		event.KindGateRestricted, event.KindGateGranted, event.KindGateUnrestricted)
	r.Route(cache, event.KindMetricsUpdate)
	r.Observe(cache)
	r.Start()
	defer r.Stop()

	if err := cache.StartAutoRefresh(cfg.RefreshInterval()); err != nil {
		log.Fatalf("Failed to start metrics refresh: %v", err)
	}
	defer cache.StopAutoRefresh()

	if cfg.Metrics.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.HTTPAddr, Handler: mux}
		go func() {
			log.Printf("Serving /metrics on %s", cfg.Metrics.HTTPAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("livesyncd running (viewer %s, stream %s)", cfg.Viewer.ID, *resource)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	log.Println("livesyncd stopped")
}
