package factory

import (
	"strings"
)

// ExtractCode pulls Python source out of a generator reply: the first
// fenced block, else everything from the first "def " up to the next
// top-level def or the end of the reply. It returns "" when neither exists.
func ExtractCode(reply string) string {
	if code, ok := fenced(reply); ok {
		return code
	}

	start := strings.Index(reply, "def ")
	if start < 0 {
		return ""
	}
	lines := strings.Split(reply[start:], "\n")
	out := []string{lines[0]}
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "def ") {
			break
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func fenced(reply string) (string, bool) {
	open := strings.Index(reply, "```")
	if open < 0 {
		return "", false
	}
	body := reply[open+3:]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return "", false
	}
	// Drop the info string (```python, ```py).
	body = body[nl+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		end = len(body)
	}
	code := strings.TrimSpace(body[:end])
	return code, code != ""
}
