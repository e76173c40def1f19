// Package shortcode converts between the upstream site's URL-safe post
// slugs and the numeric identifier shapes some routes require.
package shortcode

import (
	"math/big"
	"strings"
)

// Alphabet is the 64-character slug alphabet, value order most significant
// digit first.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// statusIDBytes is the fixed width codes are packed into for numeric
// status ids.
const statusIDBytes = 24

var sixtyFour = big.NewInt(64)

// IsDigits reports whether s is non-empty and all ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FromDecimal re-encodes a base-10 media id into the slug alphabet. Story
// routes carry raw numeric ids; the scrapers only understand slugs.
func FromDecimal(dec string) (string, bool) {
	n, ok := new(big.Int).SetString(dec, 10)
	if !ok || n.Sign() < 0 {
		return "", false
	}
	if n.Sign() == 0 {
		return Alphabet[:1], true
	}
	var sb []byte
	rem := new(big.Int)
	for n.Sign() > 0 {
		n.QuoRem(n, sixtyFour, rem)
		sb = append(sb, Alphabet[rem.Int64()])
	}
	// digits were produced least significant first
	for i, j := 0, len(sb)-1; i < j; i, j = i+1, j-1 {
		sb[i], sb[j] = sb[j], sb[i]
	}
	return string(sb), true
}

// ToDecimal is the inverse of FromDecimal: it reads a slug as a base-64
// number and renders it in base 10, recovering the upstream media id.
func ToDecimal(code string) (string, bool) {
	if code == "" {
		return "", false
	}
	n := new(big.Int)
	for i := 0; i < len(code); i++ {
		d := strings.IndexByte(Alphabet, code[i])
		if d < 0 {
			return "", false
		}
		n.Mul(n, sixtyFour)
		n.Add(n, big.NewInt(int64(d)))
	}
	return n.String(), true
}

// ToStatusID packs a slug into a 24-byte big-endian integer rendered in
// decimal, the shape Mastodon-style status routes expect.
func ToStatusID(code string) (string, bool) {
	if code == "" || len(code) > statusIDBytes {
		return "", false
	}
	var buf [statusIDBytes]byte
	copy(buf[statusIDBytes-len(code):], code)
	return new(big.Int).SetBytes(buf[:]).String(), true
}

// FromStatusID reverses ToStatusID.
func FromStatusID(id string) (string, bool) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() <= 0 || n.BitLen() > statusIDBytes*8 {
		return "", false
	}
	buf := n.FillBytes(make([]byte, statusIDBytes))
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	code := string(buf[i:])
	if !valid(code) {
		return "", false
	}
	return code, true
}

func valid(code string) bool {
	if code == "" {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}
