package ledger

import (
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

var (
	ErrInvalidAddress = errors.New("invalid ledger address")
	ErrInvalidSecret  = errors.New("invalid secret seed")
)

// AddressKind distinguishes account and contract addresses.
type AddressKind int

const (
	AccountAddress AddressKind = iota + 1
	ContractAddress
)

// Address is a decoded account or contract identifier.
type Address struct {
	Kind AddressKind
	Key  [32]byte
}

func (a Address) String() string {
	switch a.Kind {
	case AccountAddress:
		return strkey.MustEncode(strkey.VersionByteAccountID, a.Key[:])
	case ContractAddress:
		return strkey.MustEncode(strkey.VersionByteContract, a.Key[:])
	default:
		return ""
	}
}

// ScAddress converts a into the address form contracts take as arguments.
func (a Address) ScAddress() (xdr.ScAddress, error) {
	switch a.Kind {
	case AccountAddress:
		aid, err := xdr.AddressToAccountId(a.String())
		if err != nil {
			return xdr.ScAddress{}, err
		}
		return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &aid}, nil
	case ContractAddress:
		cid := xdr.ContractId(a.Key)
		return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &cid}, nil
	default:
		return xdr.ScAddress{}, fmt.Errorf("%w: unknown address kind %d", ErrInvalidAddress, a.Kind)
	}
}

// ParseAddress decodes a G... account or C... contract identifier.
func ParseAddress(s string) (Address, error) {
	version, err := strkey.Version(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	var addr Address
	switch version {
	case strkey.VersionByteAccountID:
		addr.Kind = AccountAddress
	case strkey.VersionByteContract:
		addr.Kind = ContractAddress
	default:
		return Address{}, fmt.Errorf("%w: unexpected version byte %d", ErrInvalidAddress, version)
	}
	payload, err := strkey.Decode(version, s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != len(addr.Key) {
		return Address{}, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(payload))
	}
	copy(addr.Key[:], payload)
	return addr, nil
}

// ValidAccount reports whether s is a well formed account address.
func ValidAccount(s string) bool {
	return strkey.IsValidEd25519PublicKey(s)
}

// ContractAddressFromKey encodes a raw 32 byte contract id.
func ContractAddressFromKey(key [32]byte) string {
	return strkey.MustEncode(strkey.VersionByteContract, key[:])
}

// Keypair holds an account signing key.
type Keypair struct {
	full *keypair.Full
}

// ParseSecret builds a keypair from an S... secret seed.
func ParseSecret(secret string) (*Keypair, error) {
	full, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return &Keypair{full: full}, nil
}

// RandomKeypair generates a fresh keypair.
func RandomKeypair() (*Keypair, error) {
	full, err := keypair.Random()
	if err != nil {
		return nil, err
	}
	return &Keypair{full: full}, nil
}

// Address returns the G... account address.
func (k *Keypair) Address() string { return k.full.Address() }

// Secret returns the S... seed encoding.
func (k *Keypair) Secret() string { return k.full.Seed() }

// VerifySignature checks sig over digest against an account address.
func VerifySignature(account string, digest, sig []byte) error {
	kp, err := keypair.ParseAddress(account)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return kp.Verify(digest, sig)
}
