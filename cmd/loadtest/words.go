package main

import (
	"math/rand"
	"strings"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var usernameWords = strings.Fields(`
	amber badger cobalt drifter ember falcon glacier harbor indigo juniper
	kestrel lantern meadow nebula orchid pebble quartz raven saffron timber
	umbra velvet willow xenon yonder zephyr anchor bramble cinder dune
`)

// generateUsername combines fragments of two random words
func generateUsername(rng *rand.Rand) string {
	frag := func(word string) string {
		n := len(word)
		if n > 6 {
			n = 3 + rng.Intn(4) // 3-6 chars
		} else if n > 3 {
			n = 3
		}
		return word[:n]
	}

	word1 := usernameWords[rng.Intn(len(usernameWords))]
	word2 := usernameWords[rng.Intn(len(usernameWords))]
	return strings.ToLower(frag(word1) + frag(word2))
}

// randomSentence returns 5-20 lorem words
func randomSentence(rng *rand.Rand) string {
	wordCount := 5 + rng.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rng.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}
