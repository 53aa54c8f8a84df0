package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/pkg/retry"
	"github.com/c360/fedstream/streaming"
)

const (
	homeTimelinePath  = "/api/v1/timelines/home"
	notificationsPath = "/api/v1/notifications"
)

var (
	homeStream         = []string{string(StreamHome)}
	notificationStream = []string{"notification"}
)

func (m *Manager) connectPolling(gen uint64) error {
	ctx, cancel := context.WithCancel(context.Background())
	if !m.opened(gen, nil, cancel) {
		cancel()
		return nil
	}
	m.schedulePoll(ctx, gen)
	return nil
}

func (m *Manager) schedulePoll(ctx context.Context, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.state != StateConnected {
		return
	}
	m.pollTimer = m.clock.AfterFunc(m.cfg.PollInterval, func() { m.poll(ctx, gen) })
}

// poll runs one fetch cycle: the home timeline and notifications are
// fetched concurrently, then their items are emitted oldest first,
// timeline before notifications.
func (m *Manager) poll(ctx context.Context, gen uint64) {
	defer m.schedulePoll(ctx, gen)

	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	sinceTimeline, sinceNotify := m.sinceTimeline, m.sinceNotify
	m.mu.Unlock()

	if m.limiter != nil && !m.limiter.AllowN(m.clock.Now(), 2) {
		m.metrics.pollSkipped()
		m.logger.Debug("Poll skipped, request budget spent")
		return
	}

	var timeline, notifications []json.RawMessage
	var g errgroup.Group
	g.Go(func() error {
		items, err := m.fetch(ctx, homeTimelinePath, sinceTimeline)
		timeline = items
		return err
	})
	g.Go(func() error {
		items, err := m.fetch(ctx, notificationsPath, sinceNotify)
		notifications = items
		return err
	})
	err := g.Wait()
	m.metrics.polled()

	m.emitItems(gen, streaming.KindPost, streaming.EventUpdate, homeStream, timeline, &m.sinceTimeline)
	m.emitItems(gen, streaming.KindNotification, streaming.EventNotification, notificationStream, notifications, &m.sinceNotify)

	if err != nil && m.current(gen) {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("Poll failed", "error", err)
		m.emit(ConnectionError{Err: err})
	}
}

// emitItems emits items in reverse response order, since endpoints list
// newest first, and advances cursor past each emitted item.
func (m *Manager) emitItems(gen uint64, kind streaming.EntityKind, event string, stream []string,
	items []json.RawMessage, cursor *string) {
	for i := len(items) - 1; i >= 0; i-- {
		e, err := m.parser.Entity(kind, items[i])
		if err != nil {
			m.dropFrame("unparsed", err)
			continue
		}

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		if e.ID != "" {
			*cursor = e.ID
		}
		m.mu.Unlock()

		m.emitOperation(gen, event, stream, streaming.Update{EntityKind: kind, Payload: e})
	}
}

// fetch GETs a list endpoint with bounded retry. Only transient failures
// are retried.
func (m *Manager) fetch(ctx context.Context, path, since string) ([]json.RawMessage, error) {
	target := m.cfg.apiURL(path)
	if since != "" {
		target += "?" + url.Values{"since_id": {since}}.Encode()
	}

	return retry.DoWithResult(ctx, m.retry, func() ([]json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, retry.NonRetryable(errors.WrapInvalid(err, "transport", "fetch", "build request"))
		}
		req.Header.Set("Accept", "application/json")
		if m.cfg.AccessToken != "" {
			req.Header.Set("Authorization", bearer(m.cfg.AccessToken))
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, errors.WrapTransient(err, "transport", "fetch", "GET "+path)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errors.WrapTransient(errors.ErrRateLimited, "transport", "fetch", "GET "+path)
		case resp.StatusCode >= 500:
			return nil, errors.WrapTransient(fmt.Errorf("server error: status %d", resp.StatusCode),
				"transport", "fetch", "GET "+path)
		case resp.StatusCode != http.StatusOK:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, errors.WrapInvalid(fmt.Errorf("%w: status %d", errors.ErrInvalidData, resp.StatusCode),
				"transport", "fetch", "GET "+path)
		}

		var items []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"transport", "fetch", "decode "+path)
		}
		return items, nil
	})
}
