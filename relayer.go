package zeroex

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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

// RelayerClient talks to a Standard Relayer API v2 endpoint
type RelayerClient struct {
	host   string
	client *http.Client
	logger *zap.Logger
}

// NewRelayerClient creates a relayer client rooted at host (e.g. "https://api.radarrelay.com/0x")
func NewRelayerClient(host string, logger *zap.Logger) *RelayerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayerClient{
		host:   strings.TrimRight(host, "/"),
		logger: logger,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PostOrder submits a signed order to the relayer's book
func (c *RelayerClient) PostOrder(ctx context.Context, order *chain.SignedOrder) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v2/order", NewRelayerOrder(order))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.decodeJSONResponse(resp, nil); err != nil {
		return err
	}
	c.logger.Debug("order_posted", zap.String("maker", order.MakerAddress.Hex()))
	return nil
}

// GetOrder fetches one order by hash. A missing order is a *RelayerError with StatusCode 404.
// The signature is returned as the relayer sent it; Client.FetchOrder checks it.
func (c *RelayerClient) GetOrder(ctx context.Context, hash common.Hash) (*chain.SignedOrder, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v2/order/"+hash.Hex(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var record OrderRecord
	if err := c.decodeJSONResponse(resp, &record); err != nil {
		return nil, err
	}
	return record.Order.SignedOrder()
}

// GetOrders lists orders matching q
func (c *RelayerClient) GetOrders(ctx context.Context, q OrdersQuery) (*OrdersPage, error) {
	params := url.Values{}
	if q.MakerAddress != chain.NullAddress {
		params.Set("makerAddress", q.MakerAddress.Hex())
	}
	if q.ExchangeAddress != chain.NullAddress {
		params.Set("exchangeAddress", q.ExchangeAddress.Hex())
	}
	if len(q.MakerAssetData) > 0 {
		params.Set("makerAssetData", hexutil.Encode(q.MakerAssetData))
	}
	if len(q.TakerAssetData) > 0 {
		params.Set("takerAssetData", hexutil.Encode(q.TakerAssetData))
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		params.Set("perPage", strconv.Itoa(q.PerPage))
	}

	endpoint := "/v2/orders"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page OrdersPage
	if err := c.decodeJSONResponse(resp, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// doRequest performs an HTTP request
func (c *RelayerClient) doRequest(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// decodeJSONResponse checks the status and decodes the body into result (if non-nil)
func (c *RelayerClient) decodeJSONResponse(resp *http.Response, result any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(bodyBytes)
		if bodyStr == "" {
			bodyStr = resp.Status
		}
		return &RelayerError{StatusCode: resp.StatusCode, Message: bodyStr}
	}

	if result == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, result); err != nil {
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "..."
		}
		return fmt.Errorf("failed to decode JSON response: %w (body: %s)", err, bodyStr)
	}
	return nil
}
