// Package terminal implements the counterparts of the card: the car unit
// (Auto), the reception kiosk (Reception) and the database that certifies
// every participant.
//
// Drivers follow a request/response queue: a XxxRequest method returns the
// first command APDU, and ParseResponse consumes each card response and
// returns the next command, or nil once the exchange is complete.
package terminal

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/schjonhaug/carcard"
)

// Database is the certificate authority. Its public key is the trust anchor
// provisioned into every card.
type Database struct {
	key *btcec.PrivateKey
}

// NewDatabase loads a database from its 32-byte private key.
func NewDatabase(privateKey []byte) (*Database, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return &Database{key: key}, nil
}

// GenerateDatabase creates a database with a fresh key.
func GenerateDatabase() (*Database, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Database{key: key}, nil
}

func (d *Database) PublicKey() *btcec.PublicKey {
	return d.key.PubKey()
}

// Issue certifies that publicKey belongs to id.
func (d *Database) Issue(publicKey *btcec.PublicKey, id string) (carcard.Certificate, error) {
	if publicKey == nil {
		return carcard.Certificate{}, errors.New("issue: public key is required")
	}
	if id == "" {
		return carcard.Certificate{}, errors.New("issue: id is required")
	}
	certificate := carcard.Certificate{
		PublicKey: publicKey.SerializeCompressed(),
		ID:        id,
	}
	certificate.Signature = sign(d.key, certificate.SignedData())
	return certificate, nil
}

// NewCardIdentity generates a key pair for a card and certifies it.
func (d *Database) NewCardIdentity(id string) (carcard.CardIdentity, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return carcard.CardIdentity{}, err
	}
	certificate, err := d.Issue(key.PubKey(), id)
	if err != nil {
		return carcard.CardIdentity{}, err
	}
	return carcard.CardIdentity{
		ID:          id,
		Certificate: certificate,
		PrivateKey:  key.Serialize(),
	}, nil
}

// TrustAnchors returns the anchors to provision into a card.
func (d *Database) TrustAnchors() carcard.TrustAnchors {
	return carcard.TrustAnchors{Database: d.PublicKey()}
}

func parsePrivateKey(privateKey []byte) (*btcec.PrivateKey, error) {
	if len(privateKey) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(privateKey))
	}
	key, _ := btcec.PrivKeyFromBytes(privateKey)
	if key.Key.IsZero() {
		return nil, errors.New("private key is zero")
	}
	return key, nil
}

// sign makes a DER signature over sha256(data).
func sign(key *btcec.PrivateKey, data []byte) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(key, digest[:]).Serialize()
}

// NewReception certifies a reception terminal key and returns the terminal.
func (d *Database) NewReception(id string, privateKey []byte, opts ...Option) (*Reception, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	certificate, err := d.Issue(key.PubKey(), id)
	if err != nil {
		return nil, err
	}
	return NewReception(id, privateKey, certificate, d.PublicKey(), opts...)
}
