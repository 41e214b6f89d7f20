package ispdb

import (
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"strings"

	"go4.org/netipx"
	"lukechampine.com/uint128"
)

// Address is a validated IPv4 or IPv6 address in canonical form.
//
// Every constructor normalizes to the same representation: the zone is
// dropped and IPv4-mapped IPv6 addresses (::ffff:a.b.c.d) become plain IPv4,
// so they are matched against the IPv4 prefixes in the index.
// The zero Address is invalid.
type Address struct {
	addr netip.Addr
}

func canonical(a netip.Addr) netip.Addr {
	return a.WithZone("").Unmap()
}

// ParseAddress parses the textual form of an IPv4 or IPv6 address.
// Surrounding whitespace is ignored.
func ParseAddress(s string) (Address, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return Address{}, &InvalidAddressError{Input: s, Err: err}
	}
	return Address{addr: canonical(a)}, nil
}

// MustParseAddress is like ParseAddress but panics on invalid input.
// Intended for tests and constant addresses.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFrom wraps an already parsed address.
func AddressFrom(a netip.Addr) (Address, error) {
	if !a.IsValid() {
		return Address{}, &InvalidAddressError{Input: a.String()}
	}
	return Address{addr: canonical(a)}, nil
}

// AddressFromIP converts a net.IP. Both the 4-byte and 16-byte forms of an
// IPv4 address yield the same Address.
func AddressFromIP(ip net.IP) (Address, error) {
	a, ok := netipx.FromStdIP(ip)
	if !ok {
		return Address{}, &InvalidAddressError{Input: ip.String()}
	}
	return Address{addr: canonical(a)}, nil
}

// AddressFromUint32 interprets v as a big-endian IPv4 address.
func AddressFromUint32(v uint32) Address {
	return Address{addr: netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})}
}

// AddressFromUint128 interprets v as an integer address. Values that fit in
// 32 bits are IPv4, everything larger is IPv6.
func AddressFromUint128(v uint128.Uint128) Address {
	if v.Hi == 0 && v.Lo <= 0xFFFFFFFF {
		return AddressFromUint32(uint32(v.Lo))
	}
	var b [16]byte
	v.PutBytesBE(b[:])
	return Address{addr: netip.AddrFrom16(b)}
}

// AddressFromBig is AddressFromUint128 for arbitrary precision input.
// Negative values and values of 2^128 or more are rejected.
func AddressFromBig(v *big.Int) (Address, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 128 {
		return Address{}, &InvalidAddressError{Input: fmt.Sprint(v), Err: fmt.Errorf("integer out of address range")}
	}
	// FromBig shifts its argument in place.
	return AddressFromUint128(uint128.FromBig(new(big.Int).Set(v))), nil
}

// IsValid reports whether a holds an address.
func (a Address) IsValid() bool { return a.addr.IsValid() }

// Addr returns the canonical netip.Addr.
func (a Address) Addr() netip.Addr { return a.addr }

// Is4 reports whether a is an IPv4 address.
func (a Address) Is4() bool { return a.addr.Is4() }

// String returns the canonical textual form.
func (a Address) String() string {
	if !a.addr.IsValid() {
		return ""
	}
	return a.addr.String()
}

// Uint128 returns the integer value of the address. IPv4 addresses occupy
// the low 32 bits.
func (a Address) Uint128() uint128.Uint128 {
	if a.addr.Is4() {
		b := a.addr.As4()
		return uint128.From64(uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3]))
	}
	b := a.addr.As16()
	return uint128.FromBytesBE(b[:])
}
