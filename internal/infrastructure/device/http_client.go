package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cashsettle/internal/settlement"
)

// StatusError 现金机返回非 2xx
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// HTTPClient 通过现金机的 JSON/HTTP 接口实现 settlement.Gateway
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient timeout 为 0 时不设超时，由调用方的 ctx 控制
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

var _ settlement.Gateway = (*HTTPClient)(nil)

type startTransactionRequest struct {
	CustomerRef string `json:"customer_ref,omitempty"`
	Amount      int64  `json:"amount"`
}

type startTransactionResponse struct {
	TransactionID string `json:"transaction_id"`
}

func (c *HTTPClient) StartTransaction(ctx context.Context, billing settlement.Billing) (string, error) {
	var resp startTransactionResponse
	err := c.do(ctx, http.MethodPost, "/transactions", startTransactionRequest{
		CustomerRef: billing.CustomerRef,
		Amount:      billing.Amount,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.TransactionID == "" {
		return "", fmt.Errorf("POST /transactions: 响应缺少 transaction_id")
	}
	return resp.TransactionID, nil
}

func (c *HTTPClient) GetTransaction(ctx context.Context, transactionID string) (settlement.RemoteSnapshot, error) {
	var snap settlement.RemoteSnapshot
	err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil, &snap)
	if err != nil {
		return settlement.RemoteSnapshot{}, err
	}
	if !snap.DeviceStatus.Valid() {
		return settlement.RemoteSnapshot{}, fmt.Errorf("GET /transactions/%s: 未知的设备状态 %q", transactionID, snap.DeviceStatus)
	}
	return snap, nil
}

func (c *HTTPClient) FixDeposit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/transactions/current/fix", nil, nil)
}

func (c *HTTPClient) CancelTransaction(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/transactions/current/cancel", nil, nil)
}

func (c *HTTPClient) GetMachineStatus(ctx context.Context) (settlement.MachineStatus, error) {
	var status settlement.MachineStatus
	if err := c.do(ctx, http.MethodGet, "/machine/status", nil, &status); err != nil {
		return settlement.MachineStatus{}, err
	}
	if status.CheckedAt.IsZero() {
		status.CheckedAt = time.Now()
	}
	return status, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: 解析响应失败: %w", method, path, err)
	}
	return nil
}
