// Package analytics is the fire-and-forget event sink: Track enqueues to a
// bounded local buffer and returns immediately; an independent goroutine
// drains the buffer and forwards events over HTTP. A full buffer drops the
// event rather than blocking the caller — the run must never wait on
// analytics delivery.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/helpers"
)

// Event is one analytics record, queued for asynchronous delivery.
type Event struct {
	Name       string
	Properties map[string]interface{}
	At         time.Time
}

// Sink is the fire-and-forget analytics buffer.
type Sink struct {
	cfg        config.AnalyticsConfig
	httpClient *http.Client
	logger     *log.Logger
	buf        chan Event
	wg         sync.WaitGroup
	stop       chan struct{}
}

// New constructs a Sink and starts its background drain goroutine. Call
// Close to stop draining and release resources.
func New(cfg config.AnalyticsConfig, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.New(log.Writer(), "[ANALYTICS] ", log.LstdFlags)
	}
	s := &Sink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		buf:        make(chan Event, cfg.BufferSize),
		stop:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Track enqueues an event without blocking. If the buffer is full, the
// event is dropped and logged; the caller is never blocked or failed.
func (s *Sink) Track(name string, properties map[string]interface{}) {
	evt := Event{Name: name, Properties: properties, At: time.Now()}
	select {
	case s.buf <- evt:
	default:
		s.logger.Printf("dropped event %q: buffer full", name)
	}
}

// Close stops the drain goroutine once the buffer is empty, or immediately
// if ctx is cancelled first.
func (s *Sink) Close(ctx context.Context) error {
	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for {
		select {
		case evt := <-s.buf:
			s.deliver(evt)
		case <-s.stop:
			for {
				select {
				case evt := <-s.buf:
					s.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) deliver(evt Event) {
	if strings.TrimSpace(s.cfg.BaseURL) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{
		"event":      evt.Name,
		"properties": evt.Properties,
		"timestamp":  evt.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Printf("marshal event %q: %v", evt.Name, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/events", bytes.NewReader(payload))
	if err != nil {
		s.logger.Printf("build request for event %q: %v", evt.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Printf("deliver event %q: %v", evt.Name, err)
		return
	}
	raw, _ := helpers.ReadAllAndClose(resp.Body)
	if resp.StatusCode >= 400 {
		s.logger.Printf("event %q rejected with status %d: %s", evt.Name, resp.StatusCode, string(raw))
	}
}
