package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/domain"
)

const (
	pollPath         = "/api/poll"
	pollReadTimeout  = 35 * time.Second // server long-poll wait plus slack
	pollSendTimeout  = 10 * time.Second
	pollMaxReadFails = 3
)

// PollDialer connects over HTTP long-polling, the transport of last
// resort and the first choice on constrained networks where websocket
// upgrades tend to be blocked.
type PollDialer struct {
	// Client defaults to a dedicated client with no global timeout;
	// per-request contexts bound each call instead.
	Client *http.Client
}

func (PollDialer) Name() string { return "poll" }

func (d PollDialer) Dial(ctx context.Context, baseURL string) (Transport, error) {
	httpc := d.Client
	if httpc == nil {
		httpc = &http.Client{}
	}
	base := strings.TrimSuffix(baseURL, "/") + pollPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, &domain.TransportError{Op: "poll connect", Err: err}
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "poll connect", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, &domain.TransportError{Op: "poll connect", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.SessionID == "" {
		return nil, &domain.TransportError{Op: "poll connect", Err: fmt.Errorf("bad session response: %v", err)}
	}

	t := &pollTransport{
		httpc:   httpc,
		events:  base + "/" + created.SessionID + "/events",
		session: base + "/" + created.SessionID,
		recv:    make(chan domain.Envelope, recvBuffer),
		done:    make(chan struct{}),
	}
	go t.pollLoop()
	return t, nil
}

type pollTransport struct {
	httpc   *http.Client
	events  string
	session string

	recv chan domain.Envelope
	done chan struct{}
	once sync.Once
}

func (t *pollTransport) Name() string                 { return "poll" }
func (t *pollTransport) Recv() <-chan domain.Envelope { return t.recv }
func (t *pollTransport) Done() <-chan struct{}        { return t.done }

func (t *pollTransport) Send(env domain.Envelope) error {
	select {
	case <-t.done:
		return &domain.TransportError{Op: "poll send", Err: fmt.Errorf("transport closed")}
	default:
	}
	body, err := json.Marshal(env)
	if err != nil {
		return &domain.TransportError{Op: "poll send", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), pollSendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.events, bytes.NewReader(body))
	if err != nil {
		return &domain.TransportError{Op: "poll send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpc.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "poll send", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Close()
		return &domain.TransportError{Op: "poll send", Err: fmt.Errorf("session gone")}
	}
	if resp.StatusCode != http.StatusAccepted {
		return &domain.TransportError{Op: "poll send", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// pollLoop runs the events long-poll until the session dies. A few
// consecutive transient failures are tolerated before giving up; a 404
// means the server already evicted us.
func (t *pollTransport) pollLoop() {
	defer close(t.recv)
	fails := 0
	for {
		select {
		case <-t.done:
			return
		default:
		}

		envs, err := t.fetch()
		if err != nil {
			fails++
			log.Debug().Str("module", "client.poll").Err(err).Int("fails", fails).Msg("poll failed")
			if fails >= pollMaxReadFails {
				t.Close()
				return
			}
			select {
			case <-time.After(time.Second):
			case <-t.done:
				return
			}
			continue
		}
		fails = 0
		for _, env := range envs {
			select {
			case t.recv <- env:
			case <-t.done:
				return
			}
		}
	}
}

var errSessionGone = fmt.Errorf("session gone")

func (t *pollTransport) fetch() ([]domain.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollReadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.events, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Close()
		return nil, errSessionGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var envs []domain.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (t *pollTransport) Close() {
	t.once.Do(func() {
		close(t.done)
		// best-effort server-side teardown
		ctx, cancel := context.WithTimeout(context.Background(), pollSendTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.session, nil)
		if err != nil {
			return
		}
		if resp, err := t.httpc.Do(req); err == nil {
			resp.Body.Close()
		}
	})
}
