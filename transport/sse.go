package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/pkg/sse"
)

const userStreamPath = "/api/v1/streaming/user"

var userStream = []string{string(StreamUser)}

func (m *Manager) connectSSE(ctx context.Context, gen uint64) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	timeout := m.clock.AfterFunc(m.cfg.ConnectTimeout, cancel)

	resp, err := m.openStream(streamCtx)
	stop()
	timeout.Stop()

	if err != nil {
		cancel()
		m.failed(gen, err)
		return err
	}

	m.wg.Add(1)
	if !m.opened(gen, nil, cancel) {
		m.wg.Done()
		cancel()
		_ = resp.Body.Close()
		return nil
	}
	go m.readSSE(resp.Body, gen)
	return nil
}

func (m *Manager) openStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.apiURL(userStreamPath), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "transport", "Connect", "build event stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if m.cfg.AccessToken != "" {
		req.Header.Set("Authorization", bearer(m.cfg.AccessToken))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			"transport", "Connect", "open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode),
			"transport", "Connect", "open event stream")
	}
	return resp, nil
}

// readSSE dispatches events until the stream fails or ends. Event
// streams have no normal close, so both cases reconnect.
func (m *Manager) readSSE(body io.ReadCloser, gen uint64) {
	defer m.wg.Done()
	defer body.Close()

	s := sse.NewScanner(body)
	for s.Next() {
		ev := s.Event()
		if ev.Type == "" {
			m.dropFrame("untyped", nil)
			continue
		}
		op, err := m.parser.ParseEvent(ev.Type, []byte(ev.Data))
		if err != nil {
			m.dropFrame("unparsed", err)
			continue
		}
		m.emitOperation(gen, ev.Type, userStream, op)
	}

	cause := s.Err()
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	m.failed(gen, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, cause),
		"transport", "read", "read event stream"))
}
