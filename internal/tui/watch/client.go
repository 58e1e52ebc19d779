package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/placqs/internal/api"
	"github.com/mattjoyce/placqs/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type logMsg api.LogResponse

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to a dispatcher's ops API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// /healthz answers 503 with a body when the store is down.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("GET %s: %s", path, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Log fetches the newest outcome log entries for node ("" means the
// dispatcher's own node).
func (c *Client) Log(ctx context.Context, node string, limit int) (api.LogResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if node != "" {
		q.Set("node", node)
	}
	var l api.LogResponse
	err := c.getJSON(ctx, "/v1/log?"+q.Encode(), &l)
	return l, err
}

// Stream reads /events until the connection drops or ctx ends, sending
// each event to ch.
func (c *Client) Stream(ctx context.Context, since int64, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, "/events")
	if err != nil {
		return err
	}
	if since > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(since, 10))
	}

	// The stream is long-lived; only the request context bounds it.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Data != nil {
				cur.At = time.Now()
				select {
				case ch <- cur:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
	return scanner.Err()
}

// --- Commands ---

func subscribeToEvents(c *Client, since int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), since, ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return healthMsg(h)
	}
}

func fetchLog(c *Client, node string, limit int) tea.Cmd {
	return func() tea.Msg {
		l, err := c.Log(context.Background(), node, limit)
		if err != nil {
			return errMsg(err)
		}
		return logMsg(l)
	}
}
