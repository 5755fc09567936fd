package walletconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/internal/metrics"
	"github.com/walletmesh/coordinator/internal/notify"
	"github.com/walletmesh/coordinator/types"
)

// Service handles inbound pairing requests: each call either enqueues a
// signing request for user approval or sends a protocol response. Failures
// never propagate to the transport as anything but a JSON-RPC error.
type Service struct {
	logger    *logrus.Logger
	sessions  *SessionStore
	queue     *Queue
	quotes    *QuoteClient
	transport Transport
	notifier  notify.Notifier
	metrics   *metrics.Metrics

	batchedCallsEnabled bool
	capabilityChains    []uint64

	mu        sync.Mutex
	consented map[string]bool
}

func NewService(
	logger *logrus.Logger,
	sessions *SessionStore,
	queue *Queue,
	quotes *QuoteClient,
	transport Transport,
	notifier notify.Notifier,
	m *metrics.Metrics,
	batchedCallsEnabled bool,
	capabilityChains []uint64,
) *Service {
	return &Service{
		logger:              logger.WithField("pkg", "walletconn").Logger,
		sessions:            sessions,
		queue:               queue,
		quotes:              quotes,
		transport:           transport,
		notifier:            notifier,
		metrics:             m,
		batchedCallsEnabled: batchedCallsEnabled,
		capabilityChains:    capabilityChains,
		consented:           make(map[string]bool),
	}
}

// HandleRequest dispatches one inbound JSON-RPC call scoped to a session and
// chain. It never returns an error: every failure becomes a wire response.
func (s *Service) HandleRequest(ctx context.Context, sessionID string, chainID uint64, in InboundRequest) {
	log := s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"method":     in.Method,
		"request_id": in.ID,
	})

	switch in.Method {
	case types.MethodWalletSendCalls, types.MethodWalletGetCallsStatus, types.MethodWalletGetCapabilities:
		// gate before any other work, including param parsing
		if !s.batchedCallsEnabled {
			log.Info("batched-calls support disabled, rejecting")
			s.respond(ctx, sessionID, ErrorResponse(in.ID, CodeUnsupported))
			s.metrics.RecordRequestHandled(in.Method, "unsupported")
			return
		}
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		log.Warn("request for unknown session")
		s.respond(ctx, sessionID, ErrorResponse(in.ID, CodeUnauthorized))
		s.metrics.RecordRequestHandled(in.Method, "unauthorized")
		return
	}

	switch in.Method {
	case types.MethodEthSendTransaction:
		s.handleSendTransaction(ctx, log, sess, chainID, in)
	case types.MethodPersonalSign, types.MethodSignTypedData, types.MethodSignTypedDataV4:
		s.handleSign(ctx, log, sess, chainID, in)
	case types.MethodWalletSendCalls:
		s.HandleSendCalls(ctx, sess, chainID, in)
	case types.MethodWalletGetCallsStatus:
		s.HandleGetCallsStatus(ctx, sess, chainID, in)
	case types.MethodWalletGetCapabilities:
		s.HandleGetCapabilities(ctx, sess, in)
	default:
		log.Info("unsupported method")
		s.respond(ctx, sessionID, ErrorResponse(in.ID, CodeUnsupported))
		s.metrics.RecordRequestHandled(in.Method, "unsupported")
	}
}

func (s *Service) respond(ctx context.Context, sessionID string, res Response) {
	err := s.transport.Respond(ctx, sessionID, res)
	if err != nil {
		s.logger.WithField("session_id", sessionID).Errorf("transport respond failed: %v", err)
	}
}

type txParams struct {
	From                 string `json:"from"`
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data"`
	Nonce                string `json:"nonce"`
	Gas                  string `json:"gas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

func (s *Service) handleSendTransaction(ctx context.Context, log *logrus.Entry, sess types.Session, chainID uint64, in InboundRequest) {
	var params []txParams
	err := json.Unmarshal(in.Params, &params)
	if err != nil || len(params) == 0 {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}
	p := params[0]

	from := strings.ToLower(p.From)
	if from == "" {
		from = sess.ActiveAccount
	}

	req := types.TxRequest{
		ChainID:              chainID,
		From:                 from,
		To:                   p.To,
		Value:                p.Value,
		Data:                 p.Data,
		MaxFeePerGas:         p.MaxFeePerGas,
		MaxPriorityFeePerGas: p.MaxPriorityFeePerGas,
	}
	req.Nonce, err = optionalQuantity(p.Nonce)
	if err == nil {
		req.GasLimit, err = optionalQuantity(p.Gas)
	}
	var norm types.TxRequest
	if err == nil {
		norm, err = req.Normalize()
	}
	if err != nil {
		log.Infof("malformed transaction params: %v", err)
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}

	// A dApp asking the account to call itself with calldata is the shape of
	// a delegation/drain attempt; rejected without prompting the user.
	if norm.To == norm.From && norm.Data != "" && norm.Data != "0x" {
		log.Warn("rejecting self-call with data")
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeUserRejected))
		s.metrics.RecordRequestHandled(in.Method, "rejected")
		return
	}

	s.queue.Enqueue(ctx, types.TransactionRequest{
		RequestMeta: types.RequestMeta{
			SessionID:  sess.ID,
			InternalID: uuid.New().String(),
			Account:    norm.From,
			ChainID:    chainID,
			Dapp:       sess.Dapp,
		},
		Transaction: norm,
	})
	s.metrics.RecordRequestHandled(in.Method, "enqueued")
}

func (s *Service) handleSign(ctx context.Context, log *logrus.Entry, sess types.Session, chainID uint64, in InboundRequest) {
	var params []string
	err := json.Unmarshal(in.Params, &params)
	if err != nil || len(params) < 2 {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}

	// personal_sign is [message, address]; typed-data methods are
	// [address, payload]
	raw, account := params[0], params[1]
	if in.Method != types.MethodPersonalSign {
		raw, account = params[1], params[0]
	}

	s.queue.Enqueue(ctx, types.SignRequest{
		RequestMeta: types.RequestMeta{
			SessionID:  sess.ID,
			InternalID: uuid.New().String(),
			Account:    strings.ToLower(account),
			ChainID:    chainID,
			Dapp:       sess.Dapp,
		},
		Method:     in.Method,
		Message:    displayMessage(raw),
		RawMessage: raw,
	})
	s.metrics.RecordRequestHandled(in.Method, "enqueued")
}

// displayMessage best-effort decodes a hex personal_sign payload into a
// human-readable string for the approval UI. Non-hex or non-UTF-8 payloads
// are shown as-is.
func displayMessage(raw string) string {
	if !strings.HasPrefix(raw, "0x") {
		return raw
	}
	decoded, err := hexutil.Decode(raw)
	if err != nil || !utf8.Valid(decoded) {
		return raw
	}
	return string(decoded)
}

func optionalQuantity(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	norm, err := types.NormalizeQuantity(v)
	if err != nil {
		return 0, err
	}
	n, err := types.QuantityToBig(norm)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidQuantity, v)
	}
	return n.Uint64(), nil
}
