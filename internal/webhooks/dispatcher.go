// Package webhooks fans notification events out to configured HTTP
// endpoints: zero or more generic JSON webhooks plus optional first-class
// Slack and Discord URLs. Deliveries run on a background worker pool; each
// endpoint succeeds or fails independently and never blocks the checker.
package webhooks

import (
	"bytes"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewire/rewire/internal/metrics"
)

const (
	targetGeneric = "generic"
	targetSlack   = "slack"
	targetDiscord = "discord"
)

type target struct {
	kind string
	url  string
}

type deliveryJob struct {
	target  target
	payload Payload
}

// Dispatcher sends webhook events to all configured targets asynchronously.
type Dispatcher struct {
	mu      sync.RWMutex
	targets []target

	httpClient *http.Client
	queue      chan deliveryJob
	logger     *log.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher with a background worker pool.
// metrics may be nil.
func NewDispatcher(m *metrics.Metrics, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan deliveryJob, 1000),
		logger:  log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		metrics: m,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// AddWebhook registers a generic JSON endpoint.
func (d *Dispatcher) AddWebhook(url string) {
	d.addTarget(target{kind: targetGeneric, url: url})
}

// SetSlack registers a Slack incoming-webhook URL.
func (d *Dispatcher) SetSlack(url string) {
	d.addTarget(target{kind: targetSlack, url: url})
}

// SetDiscord registers a Discord webhook URL.
func (d *Dispatcher) SetDiscord(url string) {
	d.addTarget(target{kind: targetDiscord, url: url})
}

func (d *Dispatcher) addTarget(t target) {
	d.mu.Lock()
	d.targets = append(d.targets, t)
	d.mu.Unlock()
}

// TargetCount returns the number of configured endpoints.
func (d *Dispatcher) TargetCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.targets)
}

// Notify queues one delivery per configured target. When the queue is full
// the event is dropped for that target and logged; notification is
// fire-and-forget by contract.
func (d *Dispatcher) Notify(p Payload) {
	d.mu.RLock()
	targets := make([]target, len(d.targets))
	copy(targets, d.targets)
	d.mu.RUnlock()

	for _, t := range targets {
		select {
		case d.queue <- deliveryJob{target: t, payload: p}:
		default:
			d.logger.Printf("queue full, dropping %s for %s endpoint", p.Event, t.kind)
			d.count(t.kind, "error")
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	var body []byte
	var err error
	switch job.target.kind {
	case targetSlack:
		body, err = slackBody(job.payload)
	case targetDiscord:
		body, err = discordBody(job.payload)
	default:
		body, err = job.payload.genericBody()
	}
	if err != nil {
		d.logger.Printf("marshal %s payload: %v", job.target.kind, err)
		d.count(job.target.kind, "error")
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.target.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Printf("build %s request: %v", job.target.kind, err)
		d.count(job.target.kind, "error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rewire-Event", string(job.payload.Event))
	req.Header.Set("X-Rewire-Delivery", uuid.NewString())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed: %s endpoint: %v", job.target.kind, err)
		d.count(job.target.kind, "error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Printf("%s endpoint returned %d for %s", job.target.kind, resp.StatusCode, job.payload.Event)
		d.count(job.target.kind, "error")
		return
	}
	d.count(job.target.kind, "ok")
}

func (d *Dispatcher) count(kind, outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(kind, outcome).Inc()
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
