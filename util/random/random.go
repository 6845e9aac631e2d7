// Package random provides crypto/rand backed string and number helpers.
package random

import (
	"crypto/rand"
	"math/big"
)

var allSeq [62]rune

func init() {
	for i := 0; i < 10; i++ {
		allSeq[i] = rune('0' + i)
	}
	for i := 0; i < 26; i++ {
		allSeq[10+i] = rune('a' + i)
		allSeq[36+i] = rune('A' + i)
	}
}

// Seq generates a random alphanumeric string of length n.
func Seq(n int) string {
	runes := make([]rune, n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(allSeq))))
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		runes[i] = allSeq[idx.Int64()]
	}
	return string(runes)
}

// Num generates a random integer in [0, n).
func Num(n int) int {
	bn := big.NewInt(int64(n))
	r, err := rand.Int(rand.Reader, bn)
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return int(r.Int64())
}
