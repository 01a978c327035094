package carcard

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/carcard/internal/wire"
)

var errInvalidCertificate = errors.New("invalid certificate")

// Certificate binds a public key to a participant id. The signature is made
// by the database over PublicKey ‖ ID.
type Certificate struct {
	PublicKey []byte `cbor:"pubkey"` // compressed secp256k1 key
	ID        string `cbor:"id"`
	Signature []byte `cbor:"sig"`
}

// SignedData is the data the database signs.
func (c Certificate) SignedData() []byte {
	return certificateData(c.PublicKey, []byte(c.ID))
}

func certificateData(publicKey, id []byte) []byte {
	return wire.Concat(publicKey, id)
}

// Encode writes the certificate as three length-prefixed blocks.
func (c Certificate) Encode() []byte {
	return NewCertificateBuilder(c).Bytes()
}

// NewCertificateBuilder starts a message with the certificate's fields.
func NewCertificateBuilder(c Certificate) *wire.Builder {
	return wire.NewBuilder().Block(c.PublicKey).Block([]byte(c.ID)).Block(c.Signature)
}

// ReadCertificate reads the three blocks written by Encode.
func ReadCertificate(r *wire.Reader) Certificate {
	return Certificate{
		PublicKey: r.Block(),
		ID:        string(r.Block()),
		Signature: r.Block(),
	}
}

// DecodeCertificate parses a certificate that fills the whole buffer.
func DecodeCertificate(data []byte) (Certificate, error) {
	r := wire.NewReader(data)
	c := ReadCertificate(r)
	if err := r.Done(); err != nil {
		return Certificate{}, err
	}
	return c, nil
}

// Verify checks the certificate against the database key and returns the
// public key it vouches for. Nothing taken from a certificate may be used
// before this succeeds.
func (c Certificate) Verify(database *btcec.PublicKey) (*btcec.PublicKey, error) {
	if database == nil {
		return nil, fmt.Errorf("%w: no trust anchor", errInvalidCertificate)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: empty id", errInvalidCertificate)
	}
	publicKey, err := btcec.ParsePubKey(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCertificate, err)
	}
	if !Verify(c.SignedData(), c.Signature, database) {
		return nil, fmt.Errorf("%w: signature does not verify", errInvalidCertificate)
	}
	return publicKey, nil
}

// CardIdentity is the card's long-lived identity, set at provisioning.
type CardIdentity struct {
	ID          string
	Certificate Certificate
	PrivateKey  []byte
}

// TrustAnchors holds the keys used to validate certificates presented by
// counterparties.
type TrustAnchors struct {
	Database *btcec.PublicKey
}

// Fingerprint converts a compressed public key into a short human readable
// identity:
// - sha256(compressed-pubkey)
// - skip the first 8 bytes
// - base32 and take the first 20 chars in 4 groups of five
// - insert dashes
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) != btcec.PubKeyBytesLenCompressed {
		return "", errors.New("expecting compressed public key")
	}

	checksum := sha256.Sum256(publicKey)
	s := base32.StdEncoding.EncodeToString(checksum[8:])[:20]

	groups := make([]string, 0, 4)
	for i := 0; i < len(s); i += 5 {
		groups = append(groups, s[i:i+5])
	}
	return strings.Join(groups, "-"), nil
}
