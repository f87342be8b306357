package main

import (
	"math/rand"
	"strings"
)

const (
	tokenLength   = 8
	tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// GenerateToken returns a fresh session token the user types into the Open
// Roberta web frontend to pair it with this brick.
func GenerateToken(r *rand.Rand) string {
	var sb strings.Builder
	sb.Grow(tokenLength)

	for range tokenLength {
		sb.WriteByte(tokenAlphabet[r.Intn(len(tokenAlphabet))])
	}

	return sb.String()
}
