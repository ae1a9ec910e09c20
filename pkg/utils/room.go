package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const roomAlphabet = "abcdefghijklmnopqrstuvwxyz"

// GenerateRoomName returns a random name of the form "abcd-efgh-ijkl".
func GenerateRoomName() string {
	var b strings.Builder
	for group := 0; group < 3; group++ {
		if group > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomAlphabet))))
			if err != nil {
				panic(err)
			}
			b.WriteByte(roomAlphabet[n.Int64()])
		}
	}
	return b.String()
}
