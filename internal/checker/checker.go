// Package checker runs the periodic evaluation loop: it walks the enabled
// expectations, reconciles violation state against the rule engine's
// findings, drives the synthetic alert-path trial lifecycle, and dispatches
// notifications for newly opened violations.
//
// A Checker never runs concurrently with itself: Run executes ticks on a
// single goroutine, so ticks cannot overlap. Deployments with more than one
// active instance must coordinate externally.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rewire/rewire/internal/metrics"
	"github.com/rewire/rewire/internal/rules"
	"github.com/rewire/rewire/internal/store"
	"github.com/rewire/rewire/internal/token"
	"github.com/rewire/rewire/internal/webhooks"
)

// EmailSender delivers one plain-text message.
type EmailSender interface {
	SendEmail(to, subject, body string) error
}

// WebhookSink receives notification events for fan-out.
type WebhookSink interface {
	Notify(p webhooks.Payload)
}

// Config holds the checker's tunables.
type Config struct {
	BaseURL          string
	CheckEvery       time.Duration
	RenotifyAfterSec int64 // 0 disables re-notification
}

// Checker is the background evaluator.
type Checker struct {
	store   *store.Store
	email   EmailSender
	hooks   WebhookSink
	metrics *metrics.Metrics
	cfg     Config
	nowFn   func() int64
	logger  *log.Logger
}

// New creates a checker. metrics may be nil.
func New(st *store.Store, email EmailSender, hooks WebhookSink, m *metrics.Metrics, cfg Config) *Checker {
	return &Checker{
		store:   st,
		email:   email,
		hooks:   hooks,
		metrics: m,
		cfg:     cfg,
		nowFn:   func() int64 { return time.Now().Unix() },
		logger:  log.New(log.Writer(), "[CHECKER] ", log.LstdFlags),
	}
}

// SetClock replaces the timestamp source; tests use it to replay timelines.
func (c *Checker) SetClock(now func() int64) { c.nowFn = now }

// Run ticks immediately and then on every period until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		c.runTick(ctx)
		select {
		case <-ctx.Done():
			c.logger.Printf("stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) runTick(ctx context.Context) {
	started := time.Now()
	if err := c.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Printf("tick error: %v", err)
	}
	if c.metrics != nil {
		c.metrics.CheckerTicks.Inc()
		c.metrics.CheckerTickDuration.Observe(time.Since(started).Seconds())
	}
}

// Tick evaluates every enabled expectation once. An error evaluating one
// expectation is logged and does not abort the tick; only a failure to list
// the expectations is returned.
func (c *Checker) Tick(ctx context.Context) error {
	exps, err := c.store.ListEnabledExpectations(ctx)
	if err != nil {
		return fmt.Errorf("checker: list expectations: %w", err)
	}

	for _, exp := range exps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var evalErr error
		switch exp.Type {
		case store.TypeSchedule:
			evalErr = c.checkSchedule(ctx, exp)
		case store.TypeAlertPath:
			evalErr = c.checkAlertPath(ctx, exp)
		}
		if evalErr != nil {
			c.logger.Printf("expectation %s: %v", exp.ID, evalErr)
			if c.metrics != nil {
				c.metrics.CheckerErrors.Inc()
			}
		}
	}
	return nil
}

// recentWindow is enough history for the two-step lookback the schedule
// rules need (previous start, previous end).
const recentWindow = 80

func (c *Checker) checkSchedule(ctx context.Context, exp store.Expectation) error {
	obs, err := c.store.RecentObservations(ctx, exp.ID, recentWindow)
	if err != nil {
		return err
	}

	now := c.nowFn()
	findings, closeCodes, err := rules.ScheduleEvaluate(exp, obs, now)
	if err != nil {
		return err
	}

	c.applyCloses(ctx, exp, closeCodes)

	for _, f := range findings {
		if err := c.applyFinding(ctx, exp, f, now); err != nil {
			return err
		}
	}
	return nil
}

// applyCloses closes each code separately so closed codes can be reported
// and counted individually.
func (c *Checker) applyCloses(ctx context.Context, exp store.Expectation, codes []string) {
	var closed []string
	for _, code := range codes {
		n, err := c.store.CloseViolations(ctx, exp.ID, []string{code})
		if err != nil {
			c.logger.Printf("close %s for %s: %v", code, exp.ID, err)
			continue
		}
		if n > 0 {
			closed = append(closed, code)
			if c.metrics != nil {
				c.metrics.ViolationsClosed.WithLabelValues(code).Inc()
			}
		}
	}
	if len(closed) > 0 && c.hooks != nil {
		c.hooks.Notify(webhooks.Payload{
			Event:           webhooks.EventViolationClosed,
			ExpectationID:   exp.ID,
			ExpectationName: exp.Name,
			ExpectationType: string(exp.Type),
			Message:         fmt.Sprintf("Closed: %s.", strings.Join(closed, ", ")),
			Evidence:        map[string]any{},
			Timestamp:       c.nowFn(),
		})
	}
}

// applyFinding opens the violation if absent, or re-notifies a stale open
// one when re-notification is configured.
func (c *Checker) applyFinding(ctx context.Context, exp store.Expectation, f rules.Finding, now int64) error {
	open, err := c.store.OpenViolation(ctx, exp.ID, f.Code)
	if err != nil {
		return err
	}

	if open == nil {
		id, err := c.store.CreateViolation(ctx, exp.ID, f.Code, f.Message, f.EvidenceJSON())
		if err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.ViolationsOpened.WithLabelValues(f.Code).Inc()
		}
		c.notifyViolation(ctx, exp, f.Code, f.Message, toAnyMap(f.Evidence), id)
		return nil
	}

	if c.cfg.RenotifyAfterSec > 0 && open.LastNotifiedAt > 0 &&
		now-open.LastNotifiedAt >= c.cfg.RenotifyAfterSec {
		var ev map[string]any
		_ = json.Unmarshal([]byte(open.EvidenceJSON), &ev)
		c.notifyViolation(ctx, exp, f.Code, open.Message, ev, open.ID)
	}
	return nil
}

func (c *Checker) checkAlertPath(ctx context.Context, exp store.Expectation) error {
	now := c.nowFn()

	lastObs, hasLast, err := c.store.LastObservationTime(ctx, exp.ID, "")
	if err != nil {
		return err
	}
	due, err := rules.AlertPathShouldSendTest(exp, lastObs, hasLast, now)
	if err != nil {
		return err
	}
	if due {
		if err := c.sendTest(ctx, exp); err != nil {
			return err
		}
	}

	params, err := rules.ParseAlertPathParams(exp.ParamsJSON)
	if err != nil {
		return err
	}

	pending, err := c.store.PendingTrials(ctx, exp.ID)
	if err != nil {
		return err
	}

	anyExceeded := false
	for _, tr := range pending {
		age := now - tr.SentAt
		if age <= params.AckWindowS+exp.ToleranceS {
			continue
		}
		anyExceeded = true
		if err := c.store.ExpireTrial(ctx, tr.ID); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.TrialsExpired.Inc()
		}
		if c.hooks != nil {
			c.hooks.Notify(webhooks.Payload{
				Event:           webhooks.EventTestExpired,
				ExpectationID:   exp.ID,
				ExpectationName: exp.Name,
				ExpectationType: string(exp.Type),
				Message:         fmt.Sprintf("Trial %s expired after %ds without acknowledgement.", tr.ID, age),
				Evidence:        map[string]any{"trial_id": tr.ID, "sent_at": tr.SentAt, "age_s": age},
				Timestamp:       now,
			})
		}

		msg := fmt.Sprintf("No ACK received within %ds (+%ds).", params.AckWindowS, exp.ToleranceS)
		ev := map[string]any{"trial_id": tr.ID, "sent_at": tr.SentAt, "age_s": age}
		open, err := c.store.OpenViolation(ctx, exp.ID, store.CodeNoAck)
		if err != nil {
			return err
		}
		if open == nil {
			evJSON, _ := json.Marshal(ev)
			id, err := c.store.CreateViolation(ctx, exp.ID, store.CodeNoAck, msg, string(evJSON))
			if err != nil {
				return err
			}
			if c.metrics != nil {
				c.metrics.ViolationsOpened.WithLabelValues(store.CodeNoAck).Inc()
			}
			c.notifyViolation(ctx, exp, store.CodeNoAck, msg, ev, id)
		}
	}

	// The path is considered healthy again only when no pending trial has
	// outlived its window on this pass.
	if !anyExceeded {
		c.applyCloses(ctx, exp, []string{store.CodeNoAck})
	}
	return nil
}

// sendTest creates a fresh trial, records the synthetic ping, and mails the
// ack link to the owner.
func (c *Checker) sendTest(ctx context.Context, exp store.Expectation) error {
	trialID, err := token.New()
	if err != nil {
		return err
	}
	ackURL := fmt.Sprintf("%s/ack/%s", strings.TrimRight(c.cfg.BaseURL, "/"), trialID)

	meta, _ := json.Marshal(map[string]string{"ack_url": ackURL, "note": "synthetic test"})
	if err := c.store.CreateTrial(ctx, trialID, exp.ID, string(meta)); err != nil {
		return err
	}
	pingMeta, _ := json.Marshal(map[string]string{"sent_trial": trialID})
	if _, err := c.store.AddObservation(ctx, exp.ID, store.KindPing, string(pingMeta)); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TrialsSent.Inc()
	}

	subject := fmt.Sprintf("[rewire] Alert-path test: %s", exp.Name)
	body := "This is a synthetic Rewire alert-path test.\n\n" +
		fmt.Sprintf("Path: %s\n", exp.Name) +
		fmt.Sprintf("Expectation ID: %s\n", exp.ID) +
		"To acknowledge delivery, open this link:\n" +
		ackURL + "\n\n" +
		"If no ack is received in time, Rewire will open a violation.\n"
	if c.email != nil {
		if err := c.email.SendEmail(exp.OwnerEmail, subject, body); err != nil {
			c.logger.Printf("test email for %s: %v", exp.ID, err)
		}
	}

	if c.hooks != nil {
		c.hooks.Notify(webhooks.Payload{
			Event:           webhooks.EventTestSent,
			ExpectationID:   exp.ID,
			ExpectationName: exp.Name,
			ExpectationType: string(exp.Type),
			Message:         "Synthetic alert-path test sent.",
			Evidence:        map[string]any{"trial_id": trialID},
			Timestamp:       c.nowFn(),
		})
	}
	return nil
}

// notifyViolation emails the owner, emits the violation.opened webhook
// event, and stamps last_notified_at. Dispatch failures are logged and do
// not roll the violation back.
func (c *Checker) notifyViolation(ctx context.Context, exp store.Expectation, code, msg string, evidence map[string]any, violationID int64) {
	subject := fmt.Sprintf("[rewire] VIOLATION %s: %s", code, exp.Name)
	evPretty, _ := json.MarshalIndent(evidence, "", "  ")
	body := "Rewire detected an expectation violation.\n\n" +
		fmt.Sprintf("Name: %s\n", exp.Name) +
		fmt.Sprintf("Type: %s\n", exp.Type) +
		fmt.Sprintf("Code: %s\n", code) +
		fmt.Sprintf("Message: %s\n\n", msg) +
		fmt.Sprintf("Evidence:\n%s\n\n", evPretty) +
		"Rewire reports only mismatches it can justify with evidence.\n"

	if c.email != nil {
		if err := c.email.SendEmail(exp.OwnerEmail, subject, body); err != nil {
			c.logger.Printf("violation email for %s: %v", exp.ID, err)
		}
	}

	if c.hooks != nil {
		c.hooks.Notify(webhooks.Payload{
			Event:           webhooks.EventViolationOpened,
			ExpectationID:   exp.ID,
			ExpectationName: exp.Name,
			ExpectationType: string(exp.Type),
			ViolationCode:   code,
			Message:         msg,
			Evidence:        evidence,
			Timestamp:       c.nowFn(),
		})
	}

	if err := c.store.MarkNotified(ctx, violationID); err != nil {
		c.logger.Printf("mark notified %d: %v", violationID, err)
	}
}

func toAnyMap(in map[string]int64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
