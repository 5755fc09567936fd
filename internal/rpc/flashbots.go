package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Flashbots Protect submissions fail silently and never produce a public
// mempool receipt until inclusion, so terminal status comes from the Protect
// status API instead. There is no push channel; this is a polling client.
// See https://protect.flashbots.net/tx/docs

type FlashbotsStatus string

const (
	FlashbotsPending   FlashbotsStatus = "PENDING"
	FlashbotsIncluded  FlashbotsStatus = "INCLUDED"
	FlashbotsFailed    FlashbotsStatus = "FAILED"
	FlashbotsCancelled FlashbotsStatus = "CANCELLED"
	FlashbotsUnknown   FlashbotsStatus = "UNKNOWN"
)

func (s FlashbotsStatus) Terminal() bool {
	switch s {
	case FlashbotsIncluded, FlashbotsFailed, FlashbotsCancelled:
		return true
	default:
		return false
	}
}

type FlashbotsReceipt struct {
	Status   FlashbotsStatus `json:"status"`
	Hash     string          `json:"hash"`
	SimError string          `json:"simError"`
}

type FlashbotsClient struct {
	baseURL      string
	pollInterval time.Duration
	http         *retryablehttp.Client
}

func NewFlashbotsClient(baseURL string, pollInterval time.Duration) *FlashbotsClient {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.HTTPClient.Timeout = defaultTimeout

	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &FlashbotsClient{
		baseURL:      baseURL,
		pollInterval: pollInterval,
		http:         client,
	}
}

func (f *FlashbotsClient) GetStatus(ctx context.Context, txHash string) (*FlashbotsReceipt, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+txHash, nil)
	if err != nil {
		return nil, fmt.Errorf("retryablehttp.NewRequestWithContext: %w", err)
	}

	res, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("f.http.Do: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flashbots status api returned %d for hash=%s", res.StatusCode, txHash)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("io.ReadAll: %w", err)
	}

	var receipt FlashbotsReceipt
	err = json.Unmarshal(body, &receipt)
	if err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return &receipt, nil
}

// WaitForStatus polls the status API on a fixed interval until the submission
// reaches a terminal Protect status or ctx is cancelled. UNKNOWN is returned
// as-is: the tx may have reached the chain through another provider and the
// caller should fall back to receipt polling.
func (f *FlashbotsClient) WaitForStatus(ctx context.Context, txHash string) (*FlashbotsReceipt, error) {
	for {
		receipt, err := f.GetStatus(ctx, txHash)
		if err != nil {
			return nil, fmt.Errorf("f.GetStatus: %w", err)
		}
		if receipt.Status.Terminal() || receipt.Status == FlashbotsUnknown {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.pollInterval):
		}
	}
}
