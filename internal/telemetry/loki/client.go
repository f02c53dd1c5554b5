// Package loki pushes session and hub events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

// Job is the stream label every pushed entry carries.
const Job = "gsr"

const pushPath = "/loki/api/v1/push"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // [timestamp_ns, line]
}

var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Client writes entries to one Loki instance.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for baseURL (e.g. http://localhost:3100). httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{url: strings.TrimSuffix(baseURL, "/") + pushPath, http: httpClient}, nil
}

// EventLabels returns the stream labels for ev. Session ids stay in the line; they are
// too high-cardinality for labels. Recorder names are a small fixed set per device.
func EventLabels(ev *domain.Event) map[string]string {
	labels := map[string]string{}
	set := func(k, v string) {
		if v = labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); v != "" {
			labels[k] = v
		}
	}
	set("device_id", ev.DeviceID)
	set("event_type", ev.EventType)
	set("source", ev.Source)
	set("recorder", ev.Recorder)
	return labels
}

// PushEventJSON pushes one encoded event (a Kafka message value). A value that does not
// decode as an event is pushed as-is at the current time with only the job label.
func (c *Client) PushEventJSON(ctx context.Context, raw []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventType == "" {
		return c.Push(ctx, time.Now().UTC(), string(raw), nil)
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.Push(ctx, ts, string(raw), EventLabels(&ev))
}

// Push sends a single line. It fails on transport errors and non-2xx responses.
func (c *Client) Push(ctx context.Context, at time.Time, line string, labels map[string]string) error {
	stream := map[string]string{"job": Job}
	for k, v := range labels {
		stream[k] = v
	}
	payload, err := json.Marshal(PushRequest{Streams: []Stream{{
		Stream: stream,
		Values: [][]string{{strconv.FormatInt(at.UnixNano(), 10), line}},
	}}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
