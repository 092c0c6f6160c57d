package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to an escrowd API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	CallerAddress string // Address actions are taken as, e.g. "0x..."
}

// EscrowClient is a pure HTTP client for the escrowd API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrowd API.
func NewEscrowClient(cfg Config) *EscrowClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// APIError is an error response from escrowd.
type APIError struct {
	Status  int     `json:"-"`
	Code    string  `json:"error"`
	Message string  `json:"message"`
	TxID    *uint64 `json:"txId,omitempty"` // set when a transfer was interrupted
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// Interrupted reports whether the server abandoned a ledger call and kept the
// transaction for continue_transaction.
func (e *APIError) Interrupted() bool {
	return e.Code == "interrupted" && e.TxID != nil
}

// Event mirrors the reply escrowd returns for every action.
type Event struct {
	Event    string  `json:"event"`
	WalletID string  `json:"walletId,omitempty"`
	TxID     *uint64 `json:"txId,omitempty"`
}

// Wallet mirrors an escrow wallet.
type Wallet struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
	State  string `json:"state"`
}

// WalletEntry is one row of the wallet listing.
type WalletEntry struct {
	ID     string `json:"id"`
	Wallet Wallet `json:"wallet"`
}

// doRequest makes an HTTP request to escrowd and decodes the response into out.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Caller-Address", c.cfg.CallerAddress)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateWallet opens a wallet between buyer and seller.
func (c *EscrowClient) CreateWallet(ctx context.Context, buyer, seller, amount string) (*Event, error) {
	body := map[string]string{
		"buyer":  buyer,
		"seller": seller,
		"amount": amount,
	}
	var ev Event
	if err := c.doRequest(ctx, http.MethodPost, "/v1/wallets", body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// WalletAction runs deposit, confirm, refund or cancel on a wallet.
func (c *EscrowClient) WalletAction(ctx context.Context, walletID, action string) (*Event, error) {
	path := "/v1/wallets/" + url.PathEscape(walletID) + "/" + action
	var ev Event
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ContinueTransaction resumes an interrupted transaction.
func (c *EscrowClient) ContinueTransaction(ctx context.Context, txID uint64) (*Event, error) {
	path := "/v1/transactions/" + strconv.FormatUint(txID, 10) + "/continue"
	var ev Event
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetWallet returns a single wallet.
func (c *EscrowClient) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	var resp struct {
		Wallet Wallet `json:"wallet"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(walletID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Wallet, nil
}

// ListWallets returns every wallet in id order.
func (c *EscrowClient) ListWallets(ctx context.Context) ([]WalletEntry, error) {
	var resp struct {
		Wallets []WalletEntry `json:"wallets"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/wallets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Wallets, nil
}
