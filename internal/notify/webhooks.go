package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"missionline/internal/config"
	"missionline/internal/logging"
	"missionline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher tails the event log and posts matching events to configured
// webhooks. At-least-once per hook: the cursor only advances past an event
// after a successful post.
type Dispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      logging.Logger
	mu       sync.Mutex
	cursors  map[int]int64
	stop     chan struct{}
	done     chan struct{}
}

// StartDispatcher launches the polling goroutine; returns nil when no
// webhooks are configured.
func StartDispatcher(r repo.Repo, hooks []config.WebhookConfig, log logging.Logger) *Dispatcher {
	if len(hooks) == 0 {
		return nil
	}
	d := &Dispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		cursors:  make(map[int]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-ticker.C:
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(ctx, idx)
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn(ctx, "webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt.ID, evt.Type, evt.TS, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload); err != nil {
			d.log.Warn(ctx, "webhook: deliver failed", "url", hook.URL, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.log.Warn(ctx, "webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, id int64, evtType, ts, entityKind, entityID, actorID, payload string) error {
	body := map[string]any{
		"id":          id,
		"ts":          ts,
		"type":        evtType,
		"entity_kind": entityKind,
		"entity_id":   entityID,
		"actor_id":    actorID,
	}
	if payload != "" {
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			body["payload"] = decoded
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

type eventFilter struct {
	exact    map[string]bool
	prefixes []string
	all      bool
}

func newEventFilter(patterns []string) eventFilter {
	f := eventFilter{exact: map[string]bool{}}
	if len(patterns) == 0 {
		f.all = true
		return f
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || p == "*" {
			f.all = true
			continue
		}
		if strings.HasSuffix(p, "*") {
			f.prefixes = append(f.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		f.exact[p] = true
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if f.all || f.exact[evtType] {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evtType, p) {
			return true
		}
	}
	return false
}
