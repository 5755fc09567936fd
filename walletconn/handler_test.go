package walletconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walletmesh/coordinator/internal/metrics"
	"github.com/walletmesh/coordinator/internal/notify"
	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/types"
)

type fakeTransport struct {
	mu        sync.Mutex
	responses []Response
}

func (f *fakeTransport) Respond(_ context.Context, _ string, res Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeTransport) all() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Response, len(f.responses))
	copy(out, f.responses)
	return out
}

func (f *fakeTransport) last(t *testing.T) Response {
	t.Helper()
	all := f.all()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

type serviceHarness struct {
	service   *Service
	queue     *Queue
	sessions  *SessionStore
	transport *fakeTransport
	captured  *notify.CaptureNotifier
	quoteSrv  *httptest.Server
}

const testAccount = "0xabc0000000000000000000000000000000000001"

func newServiceHarness(t *testing.T, batchedEnabled bool, quoteHandler http.HandlerFunc) *serviceHarness {
	t.Helper()
	if quoteHandler == nil {
		quoteHandler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"encoded_tx":"0xdeadbeef"}`))
		}
	}
	srv := httptest.NewServer(quoteHandler)
	t.Cleanup(srv.Close)

	store := storage.NewMemoryStorage()
	sessions := NewSessionStore(testLogger(), store)
	require.NoError(t, sessions.Add(context.Background(), types.Session{
		ID:            "sess-1",
		ActiveAccount: testAccount,
		Chains:        []uint64{1, 10},
		Dapp:          types.DappInfo{Name: "example dapp", URL: "https://dapp.example"},
	}))

	queue := NewQueue(testLogger(), store, metrics.New())
	transport := &fakeTransport{}
	captured := notify.NewCaptureNotifier()
	svc := NewService(
		testLogger(),
		sessions,
		queue,
		NewQuoteClient(srv.URL, time.Second),
		transport,
		captured,
		metrics.New(),
		batchedEnabled,
		[]uint64{1, 10},
	)
	return &serviceHarness{
		service:   svc,
		queue:     queue,
		sessions:  sessions,
		transport: transport,
		captured:  captured,
		quoteSrv:  srv,
	}
}

func inbound(id int64, method string, params any) InboundRequest {
	raw, _ := json.Marshal(params)
	return InboundRequest{ID: id, Method: method, Params: raw}
}

func sendCallsBody(from string) []map[string]any {
	return []map[string]any{{
		"version": "2.0.0",
		"chainId": "0x1",
		"from":    from,
		"calls": []map[string]string{
			{"to": "0xdef0000000000000000000000000000000000002", "value": "0x1"},
			{"to": "0xdef0000000000000000000000000000000000003", "data": "0xa9059cbb"},
		},
	}}
}

func TestSendTransactionEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, false, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(1, types.MethodEthSendTransaction, []map[string]string{{
		"from":  testAccount,
		"to":    "0xdef0000000000000000000000000000000000002",
		"value": "0x1",
	}}))

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	require.True(t, types.IsTransactionRequest(pending[0]))
	require.Equal(t, testAccount, pending[0].Meta().Account)
	// no wire response until the user decides
	require.Empty(t, h.transport.all())
}

func TestSendTransactionSelfCallWithDataRejected(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, false, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(2, types.MethodEthSendTransaction, []map[string]string{{
		"from": testAccount,
		"to":   testAccount,
		"data": "0xdeadbeef",
	}}))

	require.Empty(t, h.queue.Pending())
	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeUserRejected, res.Error.Code)
}

func TestSendTransactionOversizedQuantityRejected(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, false, nil)

	// 2^64 does not fit a nonce; it must be refused, not silently truncated
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(16, types.MethodEthSendTransaction, []map[string]string{{
		"from":  testAccount,
		"to":    "0xdef0000000000000000000000000000000000002",
		"nonce": "0x10000000000000000",
	}}))

	require.Empty(t, h.queue.Pending())
	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeInvalidParams, res.Error.Code)
}

func TestPersonalSignEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, false, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(3, types.MethodPersonalSign, []string{"0x68656c6c6f", testAccount}))

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	require.True(t, types.IsPersonalSignRequest(pending[0]))
	sr := pending[0].(types.SignRequest)
	require.Equal(t, "hello", sr.Message)
	require.Equal(t, "0x68656c6c6f", sr.RawMessage)
}

func TestSendCallsDisabledFeatureGate(t *testing.T) {
	ctx := context.Background()
	var quoted bool
	h := newServiceHarness(t, false, func(http.ResponseWriter, *http.Request) {
		quoted = true
	})

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(4, types.MethodWalletSendCalls, sendCallsBody(testAccount)))

	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeUnsupported, res.Error.Code)
	require.Empty(t, h.queue.Pending())
	// the gate fires before any network call
	require.False(t, quoted)
}

func TestSendCallsEnqueuesAugmentedRequest(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(5, types.MethodWalletSendCalls, sendCallsBody(testAccount)))

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	require.True(t, types.IsBatchedTransactionRequest(pending[0]))
	batch := pending[0].(types.BatchedCallsRequest)
	require.Equal(t, "0xdeadbeef", batch.EncodedTx)
	require.NotEmpty(t, batch.InternalID)
	require.NotEmpty(t, batch.BatchID)
	require.Len(t, batch.Calls, 2)

	res := h.transport.last(t)
	require.Nil(t, res.Error)
	result, ok := res.Result.(map[string]string)
	require.True(t, ok)
	require.Equal(t, batch.BatchID, result["id"])
}

func TestSendCallsRecordsDeclaredCapabilities(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	body := sendCallsBody(testAccount)
	body[0]["capabilities"] = map[string]any{"atomic": map[string]any{"status": "supported"}}
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(17, types.MethodWalletSendCalls, body))

	sess, ok := h.sessions.Get("sess-1")
	require.True(t, ok)
	require.NotNil(t, sess.Capabilities)
	require.True(t, sess.Capabilities.AtomicBatch)

	batch := h.queue.Pending()[0].(types.BatchedCallsRequest)
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(18, types.MethodWalletGetCallsStatus, []string{batch.BatchID}))
	res := h.transport.last(t)
	require.Nil(t, res.Error)
	result, ok := res.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, result["atomic"])
}

func TestSendCallsWithoutAtomicCapability(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	body := sendCallsBody(testAccount)
	body[0]["capabilities"] = map[string]any{"paymasterService": map[string]any{}}
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(19, types.MethodWalletSendCalls, body))

	sess, ok := h.sessions.Get("sess-1")
	require.True(t, ok)
	require.NotNil(t, sess.Capabilities)
	require.False(t, sess.Capabilities.AtomicBatch)

	// the declared set sticks; a later declaration does not overwrite it
	body[0]["capabilities"] = map[string]any{"atomic": map[string]any{}}
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(20, types.MethodWalletSendCalls, body))
	sess, _ = h.sessions.Get("sess-1")
	require.False(t, sess.Capabilities.AtomicBatch)

	batch := h.queue.Pending()[0].(types.BatchedCallsRequest)
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(21, types.MethodWalletGetCallsStatus, []string{batch.BatchID}))
	res := h.transport.last(t)
	require.Nil(t, res.Error)
	result, ok := res.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, result["atomic"])
}

func TestSendCallsQuotingFailureFlattensToUserRejected(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(6, types.MethodWalletSendCalls, sendCallsBody(testAccount)))

	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	// internal quoting detail never reaches the dApp
	require.Equal(t, CodeUserRejected, res.Error.Code)
	require.Empty(t, h.queue.Pending())
}

func TestSendCallsForeignAccountUnauthorized(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(7, types.MethodWalletSendCalls,
		sendCallsBody("0x9990000000000000000000000000000000000999")))

	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeUnauthorized, res.Error.Code)
}

func TestGetCallsStatus(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(8, types.MethodWalletSendCalls, sendCallsBody(testAccount)))
	batch := h.queue.Pending()[0].(types.BatchedCallsRequest)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(9, types.MethodWalletGetCallsStatus, []string{batch.BatchID}))
	res := h.transport.last(t)
	require.Nil(t, res.Error)
	result, ok := res.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, batchStatusPending, result["status"])
	require.Equal(t, "0x1", result["chainId"])

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(10, types.MethodWalletGetCallsStatus, []string{"no-such-batch"}))
	res = h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeInvalidParams, res.Error.Code)
}

func TestGetCapabilities(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(11, types.MethodWalletGetCapabilities, []any{testAccount}))

	res := h.transport.last(t)
	require.Nil(t, res.Error)
	caps, ok := res.Result.(map[string]any)
	require.True(t, ok)
	require.Contains(t, caps, "0x1")
	require.Contains(t, caps, "0xa")

	// un-consented account triggers exactly one out-of-band prompt
	var prompts int
	for _, ev := range h.captured.Events() {
		if ev.Kind == notify.EventConsentPrompt {
			prompts++
		}
	}
	require.Equal(t, 1, prompts)

	h.service.MarkDelegationConsent(testAccount)
	h.service.HandleRequest(ctx, "sess-1", 1, inbound(12, types.MethodWalletGetCapabilities, []any{testAccount}))
	prompts = 0
	for _, ev := range h.captured.Events() {
		if ev.Kind == notify.EventConsentPrompt {
			prompts++
		}
	}
	require.Equal(t, 1, prompts)
}

func TestGetCapabilitiesAccountMismatch(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(13, types.MethodWalletGetCapabilities,
		[]any{"0x9990000000000000000000000000000000000999"}))

	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeUnauthorized, res.Error.Code)
}

func TestUnknownMethodUnsupported(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "sess-1", 1, inbound(14, "eth_coinbase", nil))

	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeUnsupported, res.Error.Code)
}

func TestUnknownSessionUnauthorized(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t, true, nil)

	h.service.HandleRequest(ctx, "no-such-session", 1, inbound(15, types.MethodPersonalSign, []string{"0x00", testAccount}))

	res := h.transport.last(t)
	require.NotNil(t, res.Error)
	require.Equal(t, CodeUnauthorized, res.Error.Code)
}
