package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	ctypes "github.com/walletmesh/coordinator/types"
)

// LocalSigner signs EIP-1559 transactions with in-process ECDSA keys. Keys
// are registered per address; an address without a key signs as not found,
// which the gateway surfaces without broadcasting.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

var _ Signer = (*LocalSigner)(nil)

func NewLocalSigner() *LocalSigner {
	return &LocalSigner{
		keys: make(map[string]*ecdsa.PrivateKey),
	}
}

// AddKey registers a key; the account address is derived from the key itself
// so a mismatched registration is impossible.
func (s *LocalSigner) AddKey(key *ecdsa.PrivateKey) string {
	address := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[address] = key
	return address
}

func (s *LocalSigner) keyFor(account string) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[strings.ToLower(account)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	return key, nil
}

func (s *LocalSigner) SignTransaction(_ context.Context, account string, req ctypes.TxRequest) ([]byte, string, error) {
	key, err := s.keyFor(account)
	if err != nil {
		return nil, "", err
	}

	value, err := ctypes.QuantityToBig(req.Value)
	if err != nil {
		return nil, "", fmt.Errorf("value: %w", err)
	}
	maxFee, err := ctypes.QuantityToBig(req.MaxFeePerGas)
	if err != nil {
		return nil, "", fmt.Errorf("max_fee_per_gas: %w", err)
	}
	maxTip, err := ctypes.QuantityToBig(req.MaxPriorityFeePerGas)
	if err != nil {
		return nil, "", fmt.Errorf("max_priority_fee_per_gas: %w", err)
	}

	var to *gethcommon.Address
	if req.To != "" {
		addr := gethcommon.HexToAddress(req.To)
		to = &addr
	}

	var data []byte
	if req.Data != "" {
		data = gethcommon.FromHex(req.Data)
	}

	chainID := new(big.Int).SetUint64(req.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     req.Nonce,
		GasTipCap: maxTip,
		GasFeeCap: maxFee,
		Gas:       req.GasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.NewLondonSigner(chainID), key)
	if err != nil {
		return nil, "", fmt.Errorf("types.SignTx: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("signedTx.MarshalBinary: %w", err)
	}
	return raw, signedTx.Hash().Hex(), nil
}

func (s *LocalSigner) SignMessage(_ context.Context, account string, msg []byte) ([]byte, error) {
	key, err := s.keyFor(account)
	if err != nil {
		return nil, err
	}

	// EIP-191 personal message envelope
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	digest := crypto.Keccak256([]byte(prefixed))

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("crypto.Sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

func (s *LocalSigner) SignTypedData(_ context.Context, account string, typedData []byte) ([]byte, error) {
	key, err := s.keyFor(account)
	if err != nil {
		return nil, err
	}

	var td apitypes.TypedData
	err = json.Unmarshal(typedData, &td)
	if err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}

	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("apitypes.TypedDataAndHash: %w", err)
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("crypto.Sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
