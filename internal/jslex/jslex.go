// Package jslex pulls string literals out of inline script text. Upstream
// embed pages bury JSON payloads inside quoted (and escaped) script strings;
// this is the first stage of digging them out.
package jslex

// Strings returns every double-quoted string literal in js, surrounding
// quotes included. Backslash escapes inside a literal are honoured, so \"
// does not terminate it. Single-quoted strings are scanned past but not
// returned; a double quote inside one never opens a literal. An
// unterminated literal at end of input yields nothing.
func Strings(js string) []string {
	var out []string
	i, n := 0, len(js)
	for i < n {
		c := js[i]
		if c != '"' && c != '\'' {
			i++
			continue
		}
		open := c
		start := i
		i++
		for i < n {
			if js[i] == '\\' {
				i += 2 // escape plus escaped byte
				continue
			}
			if js[i] == open {
				i++
				if open == '"' {
					out = append(out, js[start:i])
				}
				break
			}
			i++
		}
	}
	return out
}
