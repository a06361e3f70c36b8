// Package notify batches operator notifications and delivers them by mail.
package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/gradeloop/internal/platform/i18n/catalog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Delimiter separates messages inside one batched notification.
const Delimiter = "\n\n-------------------------------------\n\n"

// Sender delivers one rendered notification.
type Sender interface {
	Send(ctx context.Context, recipient string, subject string, body string) error
}

// Config wires an Aggregator.
type Config struct {
	Sender Sender
	// Course labels the notification subject.
	Course string
	// Days lists the weekdays on which routine reminders are delivered.
	Days []time.Weekday
	// Delay is the pause between two recipients.
	Delay   time.Duration
	Printer *message.Printer
	Logf    func(string, ...any)
}

// Aggregator accumulates messages per recipient until Flush.
type Aggregator struct {
	mu       sync.Mutex
	routine  map[string][]string
	failures map[string][]string

	sender  Sender
	course  string
	days    map[time.Weekday]bool
	delay   time.Duration
	printer *message.Printer
	logf    func(string, ...any)
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Printer == nil {
		p, err := catalog.Printer(catalog.BaseLocale)
		if err != nil {
			cfg.Logf("notify: load catalog: %v", err)
			p = message.NewPrinter(language.AmericanEnglish)
		}
		cfg.Printer = p
	}
	days := make(map[time.Weekday]bool, len(cfg.Days))
	for _, d := range cfg.Days {
		days[d] = true
	}
	return &Aggregator{
		routine:  make(map[string][]string),
		failures: make(map[string][]string),
		sender:   cfg.Sender,
		course:   cfg.Course,
		days:     days,
		delay:    cfg.Delay,
		printer:  cfg.Printer,
		logf:     cfg.Logf,
	}
}

// Routine queues a reminder that is only delivered on notification days.
func (a *Aggregator) Routine(recipient string, msg string) {
	a.add(a.routine, recipient, msg)
}

// Failure queues a message that is delivered on the next flush.
func (a *Aggregator) Failure(recipient string, msg string) {
	a.add(a.failures, recipient, msg)
}

func (a *Aggregator) add(queue map[string][]string, recipient string, msg string) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.TrimSpace(msg) == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	queue[recipient] = append(queue[recipient], msg)
}

// Pending returns the number of queued messages.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, msgs := range a.routine {
		n += len(msgs)
	}
	for _, msgs := range a.failures {
		n += len(msgs)
	}
	return n
}

type batch struct {
	recipient string
	failures  []string
	routine   []string
}

// routineMode says what a drain does with queued routine reminders.
type routineMode int

const (
	routineSend routineMode = iota
	routineDrop
	routineKeep
)

// Flush sends one notification per recipient, pausing between recipients.
// Routine reminders are dropped rather than kept when now is not a
// notification day; the next grading pass queues them again. Batches that
// fail to send are requeued.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) error {
	mode := routineDrop
	if a.days[now.Weekday()] {
		mode = routineSend
	}
	return a.flush(ctx, now, mode)
}

// FlushFailures sends only queued failures and leaves routine reminders for
// the next Flush.
func (a *Aggregator) FlushFailures(ctx context.Context, now time.Time) error {
	return a.flush(ctx, now, routineKeep)
}

func (a *Aggregator) flush(ctx context.Context, now time.Time, mode routineMode) error {
	if a.sender == nil {
		return fmt.Errorf("notify: no sender configured")
	}
	batches := a.drain(mode)

	var errs []error
	for i, b := range batches {
		if i > 0 && a.delay > 0 {
			timer := time.NewTimer(a.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				a.requeue(batches[i:])
				return ctx.Err()
			case <-timer.C:
			}
		}
		subject, body := a.render(b, now)
		if err := a.sender.Send(ctx, b.recipient, subject, body); err != nil {
			a.logf("notify %s: %v", b.recipient, err)
			a.requeue([]batch{b})
			errs = append(errs, fmt.Errorf("send to %s: %w", b.recipient, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush notifications: %d of %d failed: %w", len(errs), len(batches), errs[0])
	}
	return nil
}

func (a *Aggregator) drain(mode routineMode) []batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	byRecipient := make(map[string]*batch)
	get := func(recipient string) *batch {
		b, ok := byRecipient[recipient]
		if !ok {
			b = &batch{recipient: recipient}
			byRecipient[recipient] = b
		}
		return b
	}
	for recipient, msgs := range a.failures {
		get(recipient).failures = msgs
	}
	a.failures = make(map[string][]string)
	switch mode {
	case routineSend:
		for recipient, msgs := range a.routine {
			get(recipient).routine = msgs
		}
		a.routine = make(map[string][]string)
	case routineDrop:
		a.routine = make(map[string][]string)
	}

	out := make([]batch, 0, len(byRecipient))
	for _, b := range byRecipient {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].recipient < out[j].recipient })
	return out
}

func (a *Aggregator) requeue(batches []batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range batches {
		a.failures[b.recipient] = append(a.failures[b.recipient], b.failures...)
		a.routine[b.recipient] = append(a.routine[b.recipient], b.routine...)
	}
}

func (a *Aggregator) render(b batch, now time.Time) (string, string) {
	subject := a.printer.Sprintf("notify.subject", a.course, len(b.failures)+len(b.routine))
	sections := make([]string, 0, 3)
	if len(b.failures) > 0 {
		sections = append(sections, a.printer.Sprintf("notify.failures", len(b.failures))+"\n\n"+strings.Join(b.failures, Delimiter))
	}
	if len(b.routine) > 0 {
		sections = append(sections, a.printer.Sprintf("notify.reminders", len(b.routine))+"\n\n"+strings.Join(b.routine, Delimiter))
	}
	sections = append(sections, a.printer.Sprintf("notify.footer", now.Format(time.RFC1123)))
	return subject, strings.Join(sections, Delimiter)
}

// ParseDays parses a comma separated weekday list such as "Mon,Thu".
func ParseDays(value string) ([]time.Weekday, error) {
	names := map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
		"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	}
	var out []time.Weekday
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if len(part) > 3 {
			part = part[:3]
		}
		day, ok := names[part]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		out = append(out, day)
	}
	return out, nil
}
