package identity

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrZeroAddress    = errors.New("zero address")
)

// Address is an account identity in normalized form: "0x" followed by
// 40 lowercase hex digits.
type Address string

const Zero Address = "0x0000000000000000000000000000000000000000"

var reAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Parse normalizes and validates an address string. The zero address is
// syntactically valid and passes Parse; callers that require a live
// participant should check IsZero separately or use ParseParticipant.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !reAddress.MatchString(s) {
		return "", ErrInvalidAddress
	}
	return Address(strings.ToLower(s)), nil
}

// ParseParticipant parses an address and rejects the zero address, which
// never denotes a real participant.
func ParseParticipant(s string) (Address, error) {
	a, err := Parse(s)
	if err != nil {
		return "", err
	}
	if a.IsZero() {
		return "", ErrZeroAddress
	}
	return a, nil
}

var reNormalized = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Valid reports whether a already holds the normalized form Parse produces.
// Raw strings cast to Address without going through Parse fail this check.
func (a Address) Valid() bool { return reNormalized.MatchString(string(a)) }

func (a Address) IsZero() bool { return a == Zero }

func (a Address) String() string { return string(a) }

// Short returns an abbreviated form for display, e.g. "0x1234...cdef".
func (a Address) Short() string {
	s := string(a)
	if len(s) != 42 {
		return s
	}
	return s[:6] + "..." + s[38:]
}
