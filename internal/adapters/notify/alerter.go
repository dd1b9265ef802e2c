// Package notify queues guardian emails for SOS episodes.
package notify

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"safetrail/internal/domain/account"
	"safetrail/internal/domain/guardian"
	"safetrail/internal/domain/outbox"
	"safetrail/internal/domain/sos"
)

// AccountReader looks up ward and guardian accounts.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (account.Account, error)
}

// LinkLister lists the guardians watching a ward.
type LinkLister interface {
	ListByWard(ctx context.Context, wardID string) ([]guardian.Link, error)
}

// Queue stores outbox entries. Enqueue ignores an ID it already holds.
type Queue interface {
	Enqueue(ctx context.Context, e outbox.Entry) (bool, error)
	GetByID(ctx context.Context, id string) (outbox.Entry, error)
}

// Options configures message rendering.
type Options struct {
	Location *time.Location
	// BaseURL, when set, adds a link to the guardian view.
	BaseURL string
	Now     func() time.Time
}

// Alerter writes one outbox entry per guardian and episode.
type Alerter struct {
	accounts AccountReader
	links    LinkLister
	queue    Queue
	opts     Options
	md       goldmark.Markdown
}

// NewAlerter creates an Alerter.
func NewAlerter(accounts AccountReader, links LinkLister, queue Queue, opts Options) *Alerter {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Alerter{
		accounts: accounts,
		links:    links,
		queue:    queue,
		opts:     opts,
		// Raw HTML in the Markdown source is escaped (WithUnsafe is not set).
		md: goldmark.New(goldmark.WithRendererOptions(goldmarkHTML.WithHardWraps())),
	}
}

// AlertGuardians queues an SOS email for every linked guardian.
// INVARIANT: at most one entry per (episode, guardian); repeated calls are no-ops
func (a *Alerter) AlertGuardians(ctx context.Context, e sos.Episode) error {
	return a.enqueue(ctx, e, outbox.ActionTypeSOSAlert, kindAlert, a.alertBody, false)
}

// NotifyResolved queues an all-clear email for every guardian that was
// alerted about the episode. Guardians linked afterwards get nothing.
func (a *Alerter) NotifyResolved(ctx context.Context, e sos.Episode) error {
	return a.enqueue(ctx, e, outbox.ActionTypeSOSResolved, kindResolved, a.resolvedBody, true)
}

const (
	kindAlert    = "sos_alert"
	kindResolved = "sos_resolved"
)

func entryID(kind, episodeID, guardianID string) string {
	return kind + ":" + episodeID + ":" + guardianID
}

type bodyFunc func(wardName string, e sos.Episode) (subject, markdown string)

func (a *Alerter) enqueue(ctx context.Context, e sos.Episode, actionType, kind string, body bodyFunc, alertedOnly bool) error {
	links, err := a.links.ListByWard(ctx, e.WardID)
	if err != nil {
		return fmt.Errorf("list guardians: %w", err)
	}
	if len(links) == 0 {
		slog.Warn("sos_no_guardians", "ward_id", e.WardID, "episode_id", e.ID)
		return nil
	}

	subject, markdown := body(a.wardName(ctx, e.WardID), e)
	html, err := a.render(markdown)
	if err != nil {
		return err
	}

	var errs []error
	for _, l := range links {
		g, err := a.accounts.GetByID(ctx, l.GuardianID)
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("sos_guardian_missing", "ward_id", e.WardID, "guardian_id", l.GuardianID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("guardian %s: %w", l.GuardianID, err))
			continue
		}
		if alertedOnly {
			_, err := a.queue.GetByID(ctx, entryID(kindAlert, e.ID, g.ID))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("alert for guardian %s: %w", g.ID, err))
				continue
			}
		}
		payload, err := outbox.EmailPayload{
			To:      []string{g.Email},
			Subject: subject,
			HTML:    html,
			Text:    markdown,
			Tags:    map[string]string{"kind": kind, "episode": e.ID},
		}.Encode()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entry, err := outbox.NewEntry(entryID(kind, e.ID, g.ID), actionType, payload, a.opts.Now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inserted, err := a.queue.Enqueue(ctx, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", entry.ID, err))
			continue
		}
		if inserted {
			slog.Info("outbox_enqueued", "outbox_id", entry.ID, "action_type", actionType, "guardian_id", g.ID)
		}
	}
	return errors.Join(errs...)
}

func (a *Alerter) wardName(ctx context.Context, wardID string) string {
	w, err := a.accounts.GetByID(ctx, wardID)
	if err != nil || strings.TrimSpace(w.Name) == "" {
		return "Your ward"
	}
	return w.Name
}

func (a *Alerter) render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := a.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

var reasonText = map[string]string{
	sos.ReasonManual:      "pressed the SOS button",
	sos.ReasonVoice:       "said a distress keyword",
	sos.ReasonLateTimeout: "did not check in after arriving late",
}

func (a *Alerter) alertBody(name string, e sos.Episode) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s needs help.** SOS raised at %s.\n\n", escape(name), a.clock(e.StartedAt))
	fmt.Fprintf(&b, "- Trigger: %s\n", reasonText[e.Reason])
	if p := e.Location; p != nil {
		fmt.Fprintf(&b, "- Last known location: [%.5f, %.5f](https://www.openstreetmap.org/?mlat=%.5f&mlon=%.5f#map=17/%.5f/%.5f)\n",
			p.Lat, p.Lng, p.Lat, p.Lng, p.Lat, p.Lng)
	} else {
		b.WriteString("- Last known location: not available\n")
	}
	b.WriteString("\nAn audio recording will be attached to the episode if the device can capture one.\n")
	a.appendLink(&b)
	return "SOS: " + name + " needs help", b.String()
}

func (a *Alerter) resolvedBody(name string, e sos.Episode) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s is safe.** The SOS raised at %s was resolved at %s.\n",
		escape(name), a.clock(e.StartedAt), a.clock(e.ResolvedAt))
	a.appendLink(&b)
	return "Resolved: " + name + " is safe", b.String()
}

func (a *Alerter) appendLink(b *strings.Builder) {
	if a.opts.BaseURL != "" {
		fmt.Fprintf(b, "\n[Open SafeTrail](%s)\n", strings.TrimRight(a.opts.BaseURL, "/"))
	}
}

func (a *Alerter) clock(t time.Time) string {
	return t.In(a.opts.Location).Format("15:04 on Mon 2 Jan")
}

var mdEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `_`, `\_`, `[`, `\[`, `]`, `\]`, "`", "\\`", `<`, `&lt;`)

// escape keeps account names from injecting Markdown.
func escape(s string) string {
	return mdEscaper.Replace(s)
}
