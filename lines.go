package partbackup

import (
	"iter"
	"strings"
)

// Lines returns a lazy sequence over the trimmed, non-empty lines of output.
// Every range over the sequence starts again from the first line.
func Lines(output string) iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := output
		for rest != "" {
			line := rest
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				line, rest = rest[:i], rest[i+1:]
			} else {
				rest = ""
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}
