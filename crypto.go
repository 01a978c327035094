package carcard

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Crypto is what the protocol engine needs from the card's key facility.
type Crypto interface {
	// GenerateNonce returns an unpredictable 16-bit nonce.
	GenerateNonce() (uint16, error)
	// Sign signs data with the card's private key.
	Sign(data []byte) ([]byte, error)
	// Verify checks a signature made by publicKey over data.
	Verify(data, signature []byte, publicKey *btcec.PublicKey) bool
}

// KeyWallet holds the card's private key and never hands it out.
type KeyWallet interface {
	StorePrivateKey(key []byte) error
	PublicKey() (*btcec.PublicKey, error)
	SignDigest(digest []byte) ([]byte, error)
}

var errEmptyWallet = errors.New("key wallet is empty")

// SoftwareWallet keeps a secp256k1 private key in memory.
type SoftwareWallet struct {
	mu  sync.RWMutex
	key *btcec.PrivateKey
}

func NewSoftwareWallet() *SoftwareWallet {
	return &SoftwareWallet{}
}

// GenerateSoftwareWallet creates a wallet holding a fresh private key.
func GenerateSoftwareWallet() (*SoftwareWallet, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &SoftwareWallet{key: key}, nil
}

func (w *SoftwareWallet) StorePrivateKey(key []byte) error {
	if len(key) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(key))
	}
	privateKey, _ := btcec.PrivKeyFromBytes(key)
	if privateKey.Key.IsZero() {
		return errors.New("private key is zero")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.key = privateKey
	return nil
}

func (w *SoftwareWallet) PublicKey() (*btcec.PublicKey, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.key == nil {
		return nil, errEmptyWallet
	}
	return w.key.PubKey(), nil
}

func (w *SoftwareWallet) SignDigest(digest []byte) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.key == nil {
		return nil, errEmptyWallet
	}
	return ecdsa.Sign(w.key, digest).Serialize(), nil
}

// PrivateKey returns the raw scalar for persistence.
func (w *SoftwareWallet) PrivateKey() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.key == nil {
		return nil
	}
	return w.key.Serialize()
}

// Provider implements Crypto on top of a KeyWallet. Signatures are DER
// encoded ECDSA over the SHA-256 digest of the data.
type Provider struct {
	wallet KeyWallet
	random io.Reader
}

func NewProvider(wallet KeyWallet, random io.Reader) *Provider {
	if random == nil {
		random = rand.Reader
	}
	return &Provider{wallet: wallet, random: random}
}

func (p *Provider) GenerateNonce() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(p.random, b[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (p *Provider) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return p.wallet.SignDigest(digest[:])
}

func (p *Provider) Verify(data, signature []byte, publicKey *btcec.PublicKey) bool {
	return Verify(data, signature, publicKey)
}

// Verify checks a DER signature over sha256(data). Verification needs no
// key material, so terminals use it directly.
func Verify(data, signature []byte, publicKey *btcec.PublicKey) bool {
	if publicKey == nil || len(signature) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], publicKey)
}

// IsSubsequent reports whether candidate is base advanced by delta,
// modulo 2^16.
func IsSubsequent(base, candidate, delta uint16) bool {
	return candidate == base+delta
}
