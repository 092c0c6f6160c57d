// Package ledgerclient connects the escrow engine to a ledger service,
// either over HTTP or in process.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/traces"
)

// Config holds the settings for talking to a remote ledger.
type Config struct {
	URL              string         // Base URL, e.g. "http://localhost:8090"
	Origin           common.Address // escrow account the ledger sees as caller
	Timeout          time.Duration  // per-request cap; the request context usually ends first
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client implements escrow.Ledger over the ledger's HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// New creates a client for the ledger at cfg.URL.
func New(cfg Config) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// apiError represents an error response from the ledger.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Transfer posts req to the ledger. A refused transfer is a ReplyErr, not an
// error; errors mean no reply was obtained.
func (c *Client) Transfer(ctx context.Context, req escrow.TransferRequest) (*escrow.Reply, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Transfer",
		traces.TxID(uint64(req.TxID)),
		traces.Account(req.Sender.Hex()),
		traces.Amount(req.Amount.String()),
	)
	defer span.End()

	body := ledger.TransferRequest{
		Origin:    c.cfg.Origin,
		TxID:      uint64(req.TxID),
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    req.Amount.String(),
	}

	var reply ledger.TransferReply
	err := c.breaker.Execute(c.cfg.URL, func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/transfers", body, &reply)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if reply.Status == ledger.StatusOK {
		span.SetAttributes(traces.Outcome("ok"))
		return &escrow.Reply{Status: escrow.ReplyOK}, nil
	}
	span.SetAttributes(traces.Outcome("refused"))
	return &escrow.Reply{Status: escrow.ReplyErr, Reason: reply.Reason}, nil
}

// Ping checks that the ledger answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health/live", nil, nil)
}

// BreakerState reports the circuit state for this ledger.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State(c.cfg.URL)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Caller-Address", c.cfg.Origin.Hex())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("ledger error (%d): %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("ledger error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ escrow.Ledger = (*Client)(nil)
