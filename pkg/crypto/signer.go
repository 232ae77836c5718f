package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keypair holds a secp256k1 key and its derived Ethereum-style address.
// API callers sign operation digests with it to prove control of the
// account an operation acts on.
type Keypair struct {
	priv    *ecdsa.PrivateKey
	address common.Address
}

// GenerateKeypair creates a random secp256k1 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Keypair{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// KeypairFromHex parses a hex private key ("0x..." or bare 64 hex chars).
func KeypairFromHex(hexKey string) (*Keypair, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Keypair{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

func (k *Keypair) Address() common.Address {
	return k.address
}

// PrivateKeyHex returns the bare hex encoding of the private key.
func (k *Keypair) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.priv))
}

// Sign signs a 32-byte digest, returning a 65-byte [R || S || V] signature.
func (k *Keypair) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, k.priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the address that signed a digest.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over digest was produced by addr's key.
func Verify(addr common.Address, digest, sig []byte) bool {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return recovered == addr
}
