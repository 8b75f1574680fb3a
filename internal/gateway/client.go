// Package gateway is the HTTP client for the bot connector's send API
// (Napcat / any OneBot compatible gateway).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "repeatbot/pkg/logx"
)

type Config struct {
	Host       string
	Port       int
	Timeout    time.Duration
	RatePerSec int // 0 disables the limiter
}

const (
	defaultHost    = "127.0.0.1"
	defaultPort    = 4999
	defaultTimeout = 5 * time.Second
)

// Client posts messages to the gateway. Sends are best-effort: callers that
// must not fail on gateway trouble should log and drop the returned error.
type Client struct {
	base    string
	hc      *http.Client
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Client {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    fmt.Sprintf("http://%s:%d", host, port),
		hc:      &http.Client{Timeout: timeout},
		log:     log,
		limiter: lim,
	}
}

// segment is one element of a OneBot message array.
type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type sendGroupMsgReq struct {
	GroupID int64     `json:"group_id"`
	Message []segment `json:"message"`
}

// SendGroupMsg posts text into a group via POST /send_group_msg.
// The gateway's response body is logged verbatim and not validated.
func (c *Client) SendGroupMsg(ctx context.Context, groupID int64, text string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(sendGroupMsgReq{
		GroupID: groupID,
		Message: []segment{{Type: "text", Data: map[string]any{"text": text}}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/send_group_msg", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("send_group_msg: %w", err)
	}
	defer resp.Body.Close()

	// cap the echo of the response; the gateway can get chatty
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.log.Info("gateway response",
		logx.Int("status", resp.StatusCode),
		logx.Int64("group_id", groupID),
		logx.String("body", strings.TrimSpace(string(rb))),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send_group_msg: gateway returned %d", resp.StatusCode)
	}
	return nil
}
