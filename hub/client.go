// Package hub talks to the hub clearing protocol: the hosted API for
// outstanding invoices and per-invoice minimum amounts, and the hub contract
// for custodied asset balances.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear/mark/config"
)

// ChainIDList decodes a JSON array of chain ids that the hub serializes as
// decimal strings.
type ChainIDList []uint64

// UnmarshalJSON implements json.Unmarshaler.
func (l *ChainIDList) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := make([]uint64, 0, len(raw))
	for _, item := range raw {
		var s string
		switch v := item.(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatUint(uint64(v), 10)
		default:
			return fmt.Errorf("bad chain id %v", item)
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("bad chain id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}

// Invoice is the hub's view of an unpaid cross-chain intent. The core treats
// it as an immutable snapshot per tick.
type Invoice struct {
	IntentID             string      `json:"intent_id"`
	TickerHash           string      `json:"ticker_hash"`
	Amount               string      `json:"amount"` // 18-decimal integer string
	Destinations         ChainIDList `json:"destinations"`
	HubEnqueuedTimestamp uint64      `json:"hub_invoice_enqueued_timestamp"`
	Status               string      `json:"hub_status"`
}

// Age returns how long the invoice has been outstanding at the given instant.
func (i *Invoice) Age(now time.Time) time.Duration {
	enqueued := time.Unix(int64(i.HubEnqueuedTimestamp), 0)
	if enqueued.After(now) {
		return 0
	}
	return now.Sub(enqueued)
}

// API is the hub HTTP collaborator contract.
type API interface {
	// GetOutstandingInvoices returns the current batch of unpaid invoices.
	GetOutstandingInvoices(ctx context.Context) ([]Invoice, error)
	// GetMinAmounts returns, per candidate destination, the minimum owned
	// balance the agent must present to settle the invoice there. Amounts
	// are 18-decimal strings keyed by decimal chain id.
	GetMinAmounts(ctx context.Context, intentID string) (map[uint64]string, error)
}

const (
	requestTimeout = 15 * time.Second
	maxRetryWindow = 45 * time.Second
)

// Client implements API against the hosted hub endpoints with bounded retry.
type Client struct {
	baseURL string
	http    *http.Client
	logger  log.Logger
}

// NewClient builds a hub client from the resolved configuration.
func NewClient(cfg config.HubConfig) *Client {
	return &Client{
		baseURL: cfg.APIBaseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.New("service", "hub"),
	}
}

type invoicesResponse struct {
	Invoices []Invoice `json:"invoices"`
}

// GetOutstandingInvoices implements API.
func (c *Client) GetOutstandingInvoices(ctx context.Context) ([]Invoice, error) {
	var out invoicesResponse
	if err := c.getJSON(ctx, "/invoices", &out); err != nil {
		return nil, err
	}
	return out.Invoices, nil
}

type minAmountsResponse struct {
	MinAmounts map[string]string `json:"minAmounts"`
}

// GetMinAmounts implements API.
func (c *Client) GetMinAmounts(ctx context.Context, intentID string) (map[uint64]string, error) {
	var out minAmountsResponse
	path := "/invoices/" + url.PathEscape(intentID) + "/min-amounts"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	amounts := make(map[uint64]string, len(out.MinAmounts))
	for id, amount := range out.MinAmounts {
		var chainID uint64
		if _, err := fmt.Sscanf(id, "%d", &chainID); err != nil {
			return nil, fmt.Errorf("min amounts for %s: bad chain id %q", intentID, id)
		}
		amounts[chainID] = amount
	}
	return amounts, nil
}

// getJSON issues a GET with exponential backoff on transport errors and 5xx.
// 4xx responses are not retried; the hub is telling us the request is wrong.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxRetryWindow
	policy := backoff.WithContext(bo, ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("Hub request failed, retrying", "path", path, "err", err)
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			c.logger.Debug("Hub returned server error, retrying", "path", path, "status", resp.StatusCode)
			return fmt.Errorf("hub %s: status %d", path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("hub %s: status %d: %s", path, resp.StatusCode, body))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("hub %s: decode: %w", path, err))
		}
		return nil
	}, policy)
}
