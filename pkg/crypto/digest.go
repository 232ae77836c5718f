package crypto

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operation digests: each exchange mutation has a canonical keccak digest
// over a domain tag and its fixed-width field encoding. The nonce binds a
// signature to one submission so it cannot be replayed.

func DepositDigest(tok, user common.Address, amount *big.Int, nonce uint64) []byte {
	return opDigest("tokendex/deposit", tok.Bytes(), user.Bytes(), amount32(amount), uint64Bytes(nonce))
}

func WithdrawDigest(tok, user common.Address, amount *big.Int, nonce uint64) []byte {
	return opDigest("tokendex/withdraw", tok.Bytes(), user.Bytes(), amount32(amount), uint64Bytes(nonce))
}

func MakeOrderDigest(creator, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int, nonce uint64) []byte {
	return opDigest("tokendex/make",
		creator.Bytes(),
		tokenGet.Bytes(), amount32(amountGet),
		tokenGive.Bytes(), amount32(amountGive),
		uint64Bytes(nonce))
}

func CancelOrderDigest(caller common.Address, orderID, nonce uint64) []byte {
	return opDigest("tokendex/cancel", caller.Bytes(), uint64Bytes(orderID), uint64Bytes(nonce))
}

func FillOrderDigest(caller common.Address, orderID, nonce uint64) []byte {
	return opDigest("tokendex/fill", caller.Bytes(), uint64Bytes(orderID), uint64Bytes(nonce))
}

func opDigest(domain string, fields ...[]byte) []byte {
	data := []byte(domain)
	for _, f := range fields {
		data = append(data, f...)
	}
	return crypto.Keccak256(data)
}

// amount32 left-pads an amount to 32 bytes, matching uint256 encoding.
func amount32(amount *big.Int) []byte {
	if amount == nil {
		amount = new(big.Int)
	}
	return common.LeftPadBytes(amount.Bytes(), 32)
}

func uint64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
