package types

import (
	"github.com/holiman/uint256"
)

// Account is the persisted state of one address.
type Account struct {
	Nonce   uint64
	Balance uint256.Int
}

func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance.IsZero()
}

func (a *Account) Encode() []byte {
	return MustMarshal(a)
}

func DecodeAccount(data []byte) (*Account, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var a Account
	if err := Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
