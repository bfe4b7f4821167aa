// Package permissions holds the closed catalog of capabilities an origin can
// be granted and the durable per-origin grant store.
package permissions

import (
	"fmt"

	"github.com/airyland/ArConnect/pkg/contracts"
)

// Type is one capability in the catalog.
type Type string

const (
	AccessAddress       Type = "ACCESS_ADDRESS"
	AccessPublicKey     Type = "ACCESS_PUBLIC_KEY"
	AccessAllAddresses  Type = "ACCESS_ALL_ADDRESSES"
	CreateTransaction   Type = "CREATE_TRANSACTION"
	SignTransaction     Type = "SIGN_TRANSACTION"
	Encrypt             Type = "ENCRYPT"
	Decrypt             Type = "DECRYPT"
	Signature           Type = "SIGNATURE"
	AccessArweaveConfig Type = "ACCESS_ARWEAVE_CONFIG"
	Dispatch            Type = "DISPATCH"
)

var catalog = []struct {
	typ  Type
	desc string
}{
	{AccessAddress, "Access the current address selected in the wallet"},
	{AccessPublicKey, "Access the public key of the current address"},
	{AccessAllAddresses, "Access all addresses added to the wallet"},
	{CreateTransaction, "Create a new transaction"},
	{SignTransaction, "Sign a transaction"},
	{Encrypt, "Encrypt data with the user's keyfile"},
	{Decrypt, "Decrypt data with the user's keyfile"},
	{Signature, "Sign data with the user's keyfile"},
	{AccessArweaveConfig, "Access the user's custom Arweave gateway config"},
	{Dispatch, "Dispatch a transaction to the network on the user's behalf"},
}

var (
	rank         = make(map[Type]int, len(catalog))
	descriptions = make(map[Type]string, len(catalog))
)

func init() {
	for i, c := range catalog {
		rank[c.typ] = i
		descriptions[c.typ] = c.desc
	}
}

// All returns every catalog entry in display order.
func All() []Type {
	out := make([]Type, len(catalog))
	for i, c := range catalog {
		out[i] = c.typ
	}
	return out
}

// Valid reports whether t is in the catalog.
func (t Type) Valid() bool {
	_, ok := rank[t]
	return ok
}

func (t Type) String() string { return string(t) }

// Description is the human-readable text shown on the consent surface.
// Unknown types have no description.
func Description(t Type) string {
	return descriptions[t]
}

// Parse converts a wire string into a catalog Type.
func Parse(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", contracts.ErrInvalidPermission, s)
	}
	return t, nil
}

// ParseAll converts a list of wire strings, failing on the first unknown one.
func ParseAll(in []string) ([]Type, error) {
	out := make([]Type, 0, len(in))
	for _, s := range in {
		t, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Validate fails with ErrInvalidPermission on the first value outside the
// catalog.
func Validate(requested []Type) error {
	for _, t := range requested {
		if !t.Valid() {
			return fmt.Errorf("%w: %q", contracts.ErrInvalidPermission, string(t))
		}
	}
	return nil
}

// Strings converts types back to their wire form.
func Strings(ts []Type) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
