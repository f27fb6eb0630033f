// Package roomname produces memorable room identifiers and checks that a
// user-supplied one is usable.
package roomname

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// MaxLength bounds a room identifier.
const MaxLength = 256

var pools = [][]string{animals, dishes, names, randomWords, adjectives, extras}

// Generate returns four words drawn from four distinct pools, for example
// "kitten-waffle-stardust-happy".
func Generate() string {
	lists := lo.Samples(pools, 4)
	words := lo.Map(lists, func(list []string, _ int) string {
		return list[randomIndex(len(list))]
	})
	return strings.Join(words, "-")
}

// GenerateUnique retries Generate until taken reports false.
func GenerateUnique(taken func(string) bool) string {
	for {
		if id := Generate(); !taken(id) {
			return id
		}
	}
}

// Valid reports whether id can name a room: non-empty, bounded, and free of
// whitespace and control characters.
func Valid(id string) bool {
	if id == "" || len(id) > MaxLength {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) < 0
}

func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic("roomname: crypto/rand failed: " + err.Error())
	}
	return int(n.Int64())
}
