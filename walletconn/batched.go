package walletconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/internal/notify"
	"github.com/walletmesh/coordinator/types"
)

// EIP-5792 batch status codes.
const (
	batchStatusPending = 100
)

type sendCallsParams struct {
	Version      string                     `json:"version"`
	ID           string                     `json:"id"`
	ChainID      string                     `json:"chainId"`
	From         string                     `json:"from"`
	Calls        []callParams               `json:"calls"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
}

type callParams struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// HandleSendCalls services wallet_sendCalls: the calls are expanded and
// quoted into one encoded envelope, and a new request carrying the envelope
// under a fresh internal id is enqueued. The inbound request is never
// mutated. Any quoting failure is flattened to a user-rejected wire error so
// nothing about the quoting infrastructure leaks to the dApp.
func (s *Service) HandleSendCalls(ctx context.Context, sess types.Session, chainID uint64, in InboundRequest) {
	log := s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"request_id": in.ID,
	})

	var params []sendCallsParams
	err := json.Unmarshal(in.Params, &params)
	if err != nil || len(params) == 0 || len(params[0].Calls) == 0 {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}
	p := params[0]

	if p.ChainID != "" {
		cid, er := hexChainID(p.ChainID)
		if er != nil {
			s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
			s.metrics.RecordRequestHandled(in.Method, "invalid")
			return
		}
		chainID = cid
	}

	account := strings.ToLower(p.From)
	if account == "" {
		account = sess.ActiveAccount
	}
	if !strings.EqualFold(account, sess.ActiveAccount) {
		log.Warn("sendCalls for account outside the session")
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeUnauthorized))
		s.metrics.RecordRequestHandled(in.Method, "unauthorized")
		return
	}

	if sess.Capabilities == nil && len(p.Capabilities) > 0 {
		// first declared capability set for the session sticks
		_, atomic := p.Capabilities["atomic"]
		er := s.sessions.SetCapabilities(ctx, sess.ID, types.SessionCapabilities{AtomicBatch: atomic})
		if er != nil {
			log.Errorf("failed to record session capabilities: %v", er)
		}
	}

	calls := make([]types.BatchedCall, 0, len(p.Calls))
	for _, c := range p.Calls {
		if c.To == "" {
			s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
			s.metrics.RecordRequestHandled(in.Method, "invalid")
			return
		}
		value, er := types.NormalizeQuantity(c.Value)
		if er != nil {
			s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
			s.metrics.RecordRequestHandled(in.Method, "invalid")
			return
		}
		calls = append(calls, types.BatchedCall{
			To:    strings.ToLower(c.To),
			Value: value,
			Data:  c.Data,
		})
	}

	batchID := p.ID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	encodedTx, err := s.quotes.Encode(ctx, account, chainID, calls)
	if err != nil {
		log.Errorf("quoting failed for batch %s: %v", batchID, err)
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeUserRejected))
		s.metrics.RecordRequestHandled(in.Method, "rejected")
		return
	}

	s.queue.Enqueue(ctx, types.BatchedCallsRequest{
		RequestMeta: types.RequestMeta{
			SessionID:  sess.ID,
			InternalID: uuid.New().String(),
			Account:    account,
			ChainID:    chainID,
			Dapp:       sess.Dapp,
		},
		BatchID:      batchID,
		Calls:        calls,
		Capabilities: p.Capabilities,
		EncodedTx:    encodedTx,
	})
	s.metrics.RecordRequestHandled(in.Method, "enqueued")
	s.respond(ctx, sess.ID, ResultResponse(in.ID, map[string]string{"id": batchID}))
}

// HandleGetCallsStatus is a pure read over the queue: no state changes, no
// network calls.
func (s *Service) HandleGetCallsStatus(ctx context.Context, sess types.Session, chainID uint64, in InboundRequest) {
	var params []string
	err := json.Unmarshal(in.Params, &params)
	if err != nil || len(params) == 0 || params[0] == "" {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}
	batchID := params[0]

	batch, ok := s.queue.FindBatch(batchID, sess.ActiveAccount)
	if !ok {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}

	// a batch only gets here after quoting folded it into one envelope, so
	// atomic execution is the default; a dApp that declared a capability set
	// without atomic support gets its own declaration back
	atomic := true
	if sess.Capabilities != nil {
		atomic = sess.Capabilities.AtomicBatch
	}

	s.respond(ctx, sess.ID, ResultResponse(in.ID, map[string]any{
		"version": "2.0.0",
		"id":      batch.BatchID,
		"chainId": hexChain(batch.ChainID),
		"atomic":  atomic,
		"status":  batchStatusPending,
	}))
	s.metrics.RecordRequestHandled(in.Method, "responded")
}

// HandleGetCapabilities responds with the static capability map for the
// chains the coordinator is willing to advertise. The requested account must
// be the session's authenticated account.
func (s *Service) HandleGetCapabilities(ctx context.Context, sess types.Session, in InboundRequest) {
	var params []json.RawMessage
	err := json.Unmarshal(in.Params, &params)
	if err != nil || len(params) == 0 {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}
	var account string
	err = json.Unmarshal(params[0], &account)
	if err != nil {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeInvalidParams))
		s.metrics.RecordRequestHandled(in.Method, "invalid")
		return
	}

	if !strings.EqualFold(account, sess.ActiveAccount) {
		s.respond(ctx, sess.ID, ErrorResponse(in.ID, CodeUnauthorized))
		s.metrics.RecordRequestHandled(in.Method, "unauthorized")
		return
	}

	var filter map[string]bool
	if len(params) > 1 {
		var chains []string
		if json.Unmarshal(params[1], &chains) == nil && len(chains) > 0 {
			filter = make(map[string]bool, len(chains))
			for _, c := range chains {
				filter[strings.ToLower(c)] = true
			}
		}
	}

	account = strings.ToLower(account)
	s.mu.Lock()
	consented := s.consented[account]
	s.mu.Unlock()
	if !consented {
		// fire-and-forget: the prompt must not block the protocol response
		s.notifier.Publish(ctx, notify.Event{
			Kind:    notify.EventConsentPrompt,
			Account: account,
			Dapp:    sess.Dapp.Name,
		})
	}

	capabilities := make(map[string]any)
	for _, chainID := range s.capabilityChains {
		key := hexChain(chainID)
		if filter != nil && !filter[key] {
			continue
		}
		capabilities[key] = map[string]any{
			"atomic": map[string]string{"status": "supported"},
		}
	}
	s.respond(ctx, sess.ID, ResultResponse(in.ID, capabilities))
	s.metrics.RecordRequestHandled(in.Method, "responded")
}

// MarkDelegationConsent records that the account approved smart-wallet
// delegation, stopping further consent prompts.
func (s *Service) MarkDelegationConsent(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consented[strings.ToLower(account)] = true
}

func hexChain(chainID uint64) string {
	return fmt.Sprintf("0x%x", chainID)
}

func hexChainID(v string) (uint64, error) {
	n, err := types.QuantityToBig(v)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() || n.Uint64() == 0 {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidQuantity, v)
	}
	return n.Uint64(), nil
}
