package crypto

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/meridianchain/meridian/common"
)

// SignatureLength is the compact signature length: 1 byte recovery code + 32 byte R + 32 byte S.
const SignatureLength = 65

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates and returns the Keccak256 hash of the input data,
// converting it to an internal Hash data structure.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// SignCompact produces a 65-byte compact signature over hash, recoverable to the public key.
func SignCompact(key *secp256k1.PrivateKey, hash common.Hash) []byte {
	return ecdsa.SignCompact(key, hash[:], false)
}

// RecoverAddress recovers the signer address from a compact signature over hash.
func RecoverAddress(sig []byte, hash common.Hash) (common.Address, error) {
	pub, _, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return common.Address{}, err
	}
	return PubkeyToAddress(pub), nil
}

// PubkeyToAddress derives an address as the low 20 bytes of keccak256 of the
// uncompressed public key without the format prefix.
func PubkeyToAddress(pub *secp256k1.PublicKey) common.Address {
	ser := pub.SerializeUncompressed()
	return common.BytesToAddress(Keccak256(ser[1:])[12:])
}
