package walletconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/walletmesh/coordinator/types"
)

// QuoteClient asks the remote quoting service to fold a batch of calls into
// one encoded-transaction envelope the chain will accept atomically.
type QuoteClient struct {
	baseURL string
	http    *retryablehttp.Client
}

func NewQuoteClient(baseURL string, timeout time.Duration) *QuoteClient {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient.Timeout = timeout

	return &QuoteClient{
		baseURL: baseURL,
		http:    client,
	}
}

type quoteRequest struct {
	Account string              `json:"account"`
	ChainID uint64              `json:"chain_id"`
	Calls   []types.BatchedCall `json:"calls"`
}

type quoteResponse struct {
	EncodedTx string `json:"encoded_tx"`
}

// Encode requests the envelope for the batch. Any failure here is flattened
// to a wire-level user-rejected error by the caller; detail stays in logs.
func (c *QuoteClient) Encode(ctx context.Context, account string, chainID uint64, calls []types.BatchedCall) (string, error) {
	body, err := json.Marshal(quoteRequest{Account: account, ChainID: chainID, Calls: calls})
	if err != nil {
		return "", fmt.Errorf("json.Marshal: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/encode", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("retryablehttp.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("c.http.Do: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("quoting service returned %d", res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("io.ReadAll: %w", err)
	}

	var out quoteResponse
	err = json.Unmarshal(data, &out)
	if err != nil {
		return "", fmt.Errorf("json.Unmarshal: %w", err)
	}
	if out.EncodedTx == "" {
		return "", fmt.Errorf("quoting service returned empty envelope")
	}
	return out.EncodedTx, nil
}
