package routing

import "strings"

const (
	pathSeparator = "/"
	keySeparator  = "."
)

// PathToRoutingKey converts a path into a topic routing key: a single leading
// "/" is dropped and every remaining "/" becomes ".".
//
//	PathToRoutingKey("/a/b/c") == "a.b.c"
//	PathToRoutingKey("a/b")    == "a.b"
func PathToRoutingKey(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, pathSeparator), pathSeparator, keySeparator)
}

// MatchTopic reports whether key matches an AMQP topic binding pattern, where
// "*" matches exactly one word and "#" matches zero or more words.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, keySeparator), strings.Split(key, keySeparator))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}

			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}

			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}

		pattern, key = pattern[1:], key[1:]
	}

	return len(key) == 0
}
