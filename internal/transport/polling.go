package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sessionguard/agent/internal/httputil"
)

const (
	pollBasePath = "/api/v1/presence/poll"

	// pollWindow must exceed the coordinator's long-poll hold time (25s).
	pollWindow  = 35 * time.Second
	emitTimeout = 10 * time.Second
)

// pollDriver dials the HTTP long-polling fallback used when the WebSocket
// transport is unreachable (restrictive proxies, websocket-stripping
// middleboxes).
type pollDriver struct {
	client *http.Client
}

func newPollDriver() *pollDriver {
	return &pollDriver{client: &http.Client{Timeout: pollWindow}}
}

func (d *pollDriver) name() string { return "polling" }

func (d *pollDriver) connect(ctx context.Context, cfg Config) (session, error) {
	resp, err := httputil.Do(ctx, d.client, http.MethodPost, cfg.Endpoint+pollBasePath, nil,
		http.Header{"Content-Type": {"application/json"}}, httputil.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("open poll channel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("open poll channel: status %d", resp.StatusCode)
	}

	var opened struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		return nil, fmt.Errorf("decode poll channel response: %w", err)
	}
	if opened.ConnectionID == "" {
		return nil, fmt.Errorf("coordinator returned empty poll connection id")
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	return &pollSession{
		client:  d.client,
		baseURL: cfg.Endpoint + pollBasePath + "/" + opened.ConnectionID,
		ctx:     sessCtx,
		cancel:  cancel,
	}, nil
}

type pollSession struct {
	client  *http.Client
	baseURL string

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// buffered events from the last poll, drained one receive() at a time
	pending []envelope
}

func (s *pollSession) name() string { return "polling" }

func (s *pollSession) send(env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, emitTimeout)
	defer cancel()

	resp, err := httputil.Do(ctx, s.client, http.MethodPost, s.baseURL+"/emit", body,
		http.Header{"Content-Type": {"application/json"}}, httputil.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("emit %s: %w", env.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("emit %s: status %d", env.Event, resp.StatusCode)
	}
	return nil
}

func (s *pollSession) receive() (envelope, error) {
	for {
		if len(s.pending) > 0 {
			env := s.pending[0]
			s.pending = s.pending[1:]
			return env, nil
		}

		req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.baseURL+"/events", nil)
		if err != nil {
			return envelope{}, &disconnectError{reason: ReasonTransportClose, err: err}
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if s.ctx.Err() != nil {
				return envelope{}, &disconnectError{reason: ReasonClientDisconnect, err: s.ctx.Err()}
			}
			return envelope{}, &disconnectError{reason: ReasonTransportClose, err: err}
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var batch struct {
				Events []envelope `json:"events"`
			}
			err := json.NewDecoder(resp.Body).Decode(&batch)
			resp.Body.Close()
			if err != nil {
				return envelope{}, &disconnectError{reason: ReasonTransportClose, err: err}
			}
			s.pending = batch.Events
		case http.StatusNoContent:
			// Poll window elapsed with nothing to deliver; poll again.
			resp.Body.Close()
		case http.StatusGone:
			// Coordinator dropped the poll channel.
			resp.Body.Close()
			return envelope{}, &disconnectError{reason: ReasonServerDisconnect}
		default:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return envelope{}, &disconnectError{
				reason: ReasonTransportClose,
				err:    fmt.Errorf("poll status %d", resp.StatusCode),
			}
		}
	}
}

func (s *pollSession) close() {
	s.closeOnce.Do(func() {
		// Best-effort channel teardown before cancelling in-flight polls.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL, nil); err == nil {
			if resp, err := s.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
		s.cancel()
	})
}
