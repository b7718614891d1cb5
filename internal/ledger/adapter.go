package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
)

// Failure classes the adapter maps node responses into. Callers branch on
// these, never on HTTP status codes.
var (
	// ErrRejected means the node's guard refused the transition. Not
	// retryable; the submission will never succeed as written.
	ErrRejected = errors.New("ledger: transition rejected")
	// ErrTimeout means the deadline elapsed before the node answered. The
	// entry may or may not have been recorded; resubmitting with the same
	// event id is safe.
	ErrTimeout = errors.New("ledger: submission timed out")
	// ErrUnavailable means the node could not be reached at all.
	ErrUnavailable = errors.New("ledger: node unavailable")
	ErrNotFound    = errors.New("ledger: not found")
)

// Adapter is the application's only route to the ledger. Submissions carry a
// client-chosen event id so that retries after a timeout are idempotent.
type Adapter interface {
	Submit(ctx context.Context, t protocol.Transition) (protocol.LedgerReceipt, error)
	BatchStatus(ctx context.Context, batchNumber string) (protocol.BatchStatusResponse, error)
	BatchTransitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error)
	IsBatchVerified(ctx context.Context, batchNumber string) (bool, error)
	ListEntries(ctx context.Context, after int64, limit int) ([]protocol.LedgerEntry, error)
	LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error)
}

// Client talks to a trustchain ledger node over HTTP. Submissions and reads
// use separate underlying clients: the submit client carries no client-level
// timeout so the per-request context deadline from submitTimeout governs, and
// a confirmation slower than the read timeout still lands.
type Client struct {
	baseURL       string
	writeToken    string
	readClient    *http.Client
	submitClient  *http.Client
	submitTimeout time.Duration
}

func NewClient(baseURL, writeToken string, submitTimeout, readTimeout time.Duration) *Client {
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		writeToken:    writeToken,
		readClient:    &http.Client{Timeout: readTimeout},
		submitClient:  &http.Client{},
		submitTimeout: submitTimeout,
	}
}

func (c *Client) Submit(ctx context.Context, t protocol.Transition) (protocol.LedgerReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	raw, err := protocol.CanonicalJSON(t)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ledger/transitions", bytes.NewReader(raw))
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TrustChain-Write-Token", c.writeToken)

	resp, err := c.submitClient.Do(req)
	if err != nil {
		return protocol.LedgerReceipt{}, classifyTransportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return protocol.LedgerReceipt{}, classifyTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out protocol.SubmitResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return protocol.LedgerReceipt{}, fmt.Errorf("decode submit response: %w", err)
		}
		return out.Receipt, nil
	case resp.StatusCode == http.StatusConflict:
		return protocol.LedgerReceipt{}, fmt.Errorf("%w: %s", ErrRejected, errorMessage(body))
	case resp.StatusCode >= 500:
		return protocol.LedgerReceipt{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return protocol.LedgerReceipt{}, fmt.Errorf("%w: status %d body=%s", ErrRejected, resp.StatusCode, errorMessage(body))
	}
}

func (c *Client) BatchStatus(ctx context.Context, batchNumber string) (protocol.BatchStatusResponse, error) {
	var out protocol.BatchStatusResponse
	err := c.getJSON(ctx, "/v1/ledger/batches/"+batchNumber+"/status", &out)
	return out, err
}

func (c *Client) BatchTransitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	var out protocol.BatchTransitionsResponse
	if err := c.getJSON(ctx, "/v1/ledger/batches/"+batchNumber+"/transitions", &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

func (c *Client) IsBatchVerified(ctx context.Context, batchNumber string) (bool, error) {
	var out protocol.BatchVerifiedResponse
	if err := c.getJSON(ctx, "/v1/ledger/batches/"+batchNumber+"/verified", &out); err != nil {
		return false, err
	}
	return out.Verified, nil
}

func (c *Client) ListEntries(ctx context.Context, after int64, limit int) ([]protocol.LedgerEntry, error) {
	var out protocol.ListEntriesResponse
	path := "/v1/ledger/entries?after=" + strconv.FormatInt(after, 10) + "&limit=" + strconv.Itoa(limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error) {
	var out protocol.LedgerEntry
	err := c.getJSON(ctx, "/v1/ledger/entries/latest", &out)
	if errors.Is(err, ErrNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.readClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return classifyTransportError(err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return json.Unmarshal(body, out)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("ledger read failed: status %d body=%s", resp.StatusCode, errorMessage(body))
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func errorMessage(body []byte) string {
	var parsed protocol.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	const max = 500
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
