package game

import "math/rand/v2"

var (
	adjectives = []string{
		"wild", "silent", "brave", "crimson", "frozen", "golden", "hidden", "lucky",
		"rusty", "sleepy", "swift", "velvet", "windy", "cosmic", "dusty", "gentle",
	}
	nouns = []string{
		"turkey", "badger", "lantern", "harbor", "comet", "walrus", "meadow", "anchor",
		"falcon", "pepper", "glacier", "otter", "canyon", "biscuit", "tornado", "willow",
	}
)

// RandomPassphrase returns an adjective_noun pair such as "wild_turkey".
func RandomPassphrase() string {
	return adjectives[rand.IntN(len(adjectives))] + "_" + nouns[rand.IntN(len(nouns))]
}
