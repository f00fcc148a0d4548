package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Signer holds key material and produces raw 65-byte r ++ s ++ v signatures
type Signer interface {
	// SignPersonalMessage signs "\x19Ethereum Signed Message:\n" ++ len ++ message
	SignPersonalMessage(ctx context.Context, message []byte, address common.Address) ([]byte, error)
	// SignHash signs a 32-byte digest as is
	SignHash(ctx context.Context, digest common.Hash, address common.Address) ([]byte, error)
}

// TxSigner is implemented by signers that can sign raw transactions locally
type TxSigner interface {
	HasAccount(address common.Address) bool
	SignTx(address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with in-memory secp256k1 keys
type KeySigner struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
	// insertion order, first is the default account
	order []common.Address
}

// NewKeySigner creates a KeySigner holding the given keys
func NewKeySigner(keys ...*ecdsa.PrivateKey) *KeySigner {
	s := &KeySigner{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for _, key := range keys {
		s.Add(key)
	}
	return s
}

// NewKeySignerFromHex parses hex-encoded private keys, with or without 0x prefix
func NewKeySignerFromHex(hexKeys ...string) (*KeySigner, error) {
	s := NewKeySigner()
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %d: %w", i, err)
		}
		s.Add(key)
	}
	return s, nil
}

// Add registers a key and returns its address
func (s *KeySigner) Add(key *ecdsa.PrivateKey) common.Address {
	address := crypto.PubkeyToAddress(key.PublicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[address]; !ok {
		s.order = append(s.order, address)
	}
	s.keys[address] = key
	return address
}

// Accounts returns the held addresses in insertion order
func (s *KeySigner) Accounts() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, len(s.order))
	copy(out, s.order)
	return out
}

// HasAccount reports whether the signer holds the key for address
func (s *KeySigner) HasAccount(address common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[address]
	return ok
}

func (s *KeySigner) key(address common.Address) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[address]
	if !ok {
		return nil, fmt.Errorf("no key for %s: %w", address.Hex(), ErrSigningRejected)
	}
	return key, nil
}

func (s *KeySigner) SignPersonalMessage(ctx context.Context, message []byte, address common.Address) ([]byte, error) {
	return s.SignHash(ctx, common.BytesToHash(accounts.TextHash(message)), address)
}

func (s *KeySigner) SignHash(_ context.Context, digest common.Hash, address common.Address) ([]byte, error) {
	key, err := s.key(address)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTx signs a transaction with the EIP155 signer for chainID
func (s *KeySigner) SignTx(address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, err := s.key(address)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// KeystoreSigner signs with unlocked accounts of a go-ethereum keystore
type KeystoreSigner struct {
	ks *keystore.KeyStore
}

// NewKeystoreSigner wraps an existing keystore
func NewKeystoreSigner(ks *keystore.KeyStore) *KeystoreSigner {
	return &KeystoreSigner{ks: ks}
}

// Unlock unlocks address with passphrase until the process exits
func (s *KeystoreSigner) Unlock(address common.Address, passphrase string) error {
	return s.ks.Unlock(accounts.Account{Address: address}, passphrase)
}

func (s *KeystoreSigner) HasAccount(address common.Address) bool {
	return s.ks.HasAddress(address)
}

func (s *KeystoreSigner) SignPersonalMessage(ctx context.Context, message []byte, address common.Address) ([]byte, error) {
	return s.SignHash(ctx, common.BytesToHash(accounts.TextHash(message)), address)
}

func (s *KeystoreSigner) SignHash(_ context.Context, digest common.Hash, address common.Address) ([]byte, error) {
	sig, err := s.ks.SignHash(accounts.Account{Address: address}, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %v: %w", address.Hex(), err, ErrSigningRejected)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func (s *KeystoreSigner) SignTx(address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := s.ks.SignTx(accounts.Account{Address: address}, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %v: %w", address.Hex(), err, ErrSigningRejected)
	}
	return signed, nil
}

// RPCSigner delegates personal message signing to a node-managed account
type RPCSigner struct {
	client *rpc.Client
}

// NewRPCSigner uses an existing RPC connection
func NewRPCSigner(client *rpc.Client) *RPCSigner {
	return &RPCSigner{client: client}
}

func (s *RPCSigner) SignPersonalMessage(ctx context.Context, message []byte, address common.Address) ([]byte, error) {
	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(message), address, ""); err != nil {
		return nil, fmt.Errorf("personal_sign: %v: %w", err, ErrSigningRejected)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("personal_sign returned %d bytes: %w", len(sig), ErrSigningRejected)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignHash is refused: nodes never sign raw digests
func (s *RPCSigner) SignHash(_ context.Context, _ common.Hash, address common.Address) ([]byte, error) {
	return nil, fmt.Errorf("raw hash signing over rpc for %s: %w", address.Hex(), ErrUnsupportedScheme)
}
