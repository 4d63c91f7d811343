package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrLocked indicates the signer holds no decrypted keys yet.
var ErrLocked = errors.New("signer is locked")

// ErrUnknownAddress indicates the signer has no key for the requested address.
var ErrUnknownAddress = errors.New("no key for address")

// Signer is the signing-service boundary. Implementations own key material;
// callers hand in an unsigned transaction and get back a signed one.
type Signer interface {
	SignTx(tx *types.Transaction, from common.Address) (*types.Transaction, error)
	Unlock(passphrase string) error
}

// KeystoreSigner signs with keys loaded from go-ethereum keystore files in a
// directory. Keys stay encrypted on disk until Unlock is called.
type KeystoreSigner struct {
	mu      sync.Mutex
	dir     string
	chainID *big.Int
	keys    map[common.Address]*ecdsa.PrivateKey
}

// NewKeystoreSigner creates a signer reading keystore files from dir, signing
// for the given chain.
func NewKeystoreSigner(dir string, chainID int64) *KeystoreSigner {
	return &KeystoreSigner{dir: dir, chainID: big.NewInt(chainID)}
}

// Unlock decrypts every keystore file in the directory with the passphrase.
func (s *KeystoreSigner) Unlock(passphrase string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading keystore dir: %s", err)
	}

	keys := map[common.Address]*ecdsa.PrivateKey{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading keystore file %s: %s", e.Name(), err)
		}
		key, err := keystore.DecryptKey(raw, passphrase)
		if err != nil {
			return fmt.Errorf("decrypting keystore file %s: %s", e.Name(), err)
		}
		keys[key.Address] = key.PrivateKey
	}
	if len(keys) == 0 {
		return fmt.Errorf("no keystore files found in %s", s.dir)
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// SignTx signs tx with the key for from.
func (s *KeystoreSigner) SignTx(tx *types.Transaction, from common.Address) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys == nil {
		return nil, ErrLocked
	}
	sk, ok := s.keys[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, from.Hex())
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), sk)
	if err != nil {
		return nil, fmt.Errorf("signing txn: %s", err)
	}
	return signed, nil
}

// StaticSigner signs with in-memory wallets. Unlock is a no-op; it exists so
// tests and tooling can satisfy Signer without keystore files.
type StaticSigner struct {
	chainID *big.Int
	wallets map[common.Address]*Wallet
}

// NewStaticSigner creates a signer holding the given wallets.
func NewStaticSigner(chainID int64, wallets ...*Wallet) *StaticSigner {
	m := make(map[common.Address]*Wallet, len(wallets))
	for _, w := range wallets {
		m[w.Address()] = w
	}
	return &StaticSigner{chainID: big.NewInt(chainID), wallets: m}
}

// Unlock implements Signer.
func (s *StaticSigner) Unlock(_ string) error { return nil }

// SignTx implements Signer.
func (s *StaticSigner) SignTx(tx *types.Transaction, from common.Address) (*types.Transaction, error) {
	w, ok := s.wallets[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, from.Hex())
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), w.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("signing txn: %s", err)
	}
	return signed, nil
}
