package txcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/internal/rpc"
	"github.com/walletmesh/coordinator/internal/signer"
	"github.com/walletmesh/coordinator/types"
)

// Submitter turns a transaction request into a broadcast submission record.
// It never waits for confirmation: the emitted added-event is the sole
// hand-off point to the watcher.
type Submitter struct {
	logger   *logrus.Logger
	signer   signer.Signer
	clients  map[uint64]rpc.ChainClient
	repo     *Repo
	validate *validator.Validate
	added    chan types.SubmissionRecord
}

func NewSubmitter(
	logger *logrus.Logger,
	sig signer.Signer,
	clients map[uint64]rpc.ChainClient,
	repo *Repo,
) *Submitter {
	return &Submitter{
		logger:   logger.WithField("pkg", "txcoord.submitter").Logger,
		signer:   sig,
		clients:  clients,
		repo:     repo,
		validate: validator.New(),
		added:    make(chan types.SubmissionRecord, 64),
	}
}

// Added streams every successfully broadcast submission record.
func (s *Submitter) Added() <-chan types.SubmissionRecord {
	return s.added
}

func (s *Submitter) Submit(ctx context.Context, account types.Account, req types.TxRequest) (types.SubmissionRecord, error) {
	if !account.CanSign() {
		return types.SubmissionRecord{}, &SigningError{Err: signer.ErrUnsupportedAccount}
	}

	client, ok := s.clients[req.ChainID]
	if !ok {
		return types.SubmissionRecord{}, fmt.Errorf("%w: chain_id=%d", ErrNoChainClient, req.ChainID)
	}

	norm, err := req.Normalize()
	if err != nil {
		return types.SubmissionRecord{}, fmt.Errorf("req.Normalize: %w", err)
	}
	err = s.validate.Struct(&norm)
	if err != nil {
		return types.SubmissionRecord{}, fmt.Errorf("invalid request: %w", err)
	}

	rawTx, txHash, err := s.signer.SignTransaction(ctx, account.Address, norm)
	if err != nil {
		// UserRejected and the rest of the taxonomy surface immediately;
		// nothing is broadcast.
		return types.SubmissionRecord{}, &SigningError{Err: signer.Normalize(err)}
	}

	hash, err := client.Broadcast(ctx, rawTx)
	if err != nil {
		return types.SubmissionRecord{}, &BroadcastError{Err: err}
	}
	if hash == "" {
		hash = txHash
	}

	rec := types.SubmissionRecord{
		ID:        uuid.New().String(),
		ChainID:   norm.ChainID,
		Account:   account.Address,
		Hash:      hash,
		Request:   norm,
		Status:    types.TxPending,
		Flashbots: norm.Flashbots,
		CreatedAt: time.Now().UTC(),
	}

	err = s.repo.Save(ctx, rec)
	if err != nil {
		return types.SubmissionRecord{}, fmt.Errorf("s.repo.Save: %w", err)
	}

	s.logger.WithFields(rec.Fields()).Info("transaction broadcast")

	select {
	case s.added <- rec:
	case <-ctx.Done():
		return rec, ctx.Err()
	}
	return rec, nil
}
