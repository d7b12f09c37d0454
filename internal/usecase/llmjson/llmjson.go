// Package llmjson asks a model for a JSON reply, extracts the JSON from
// fenced or bare text and validates it against a JSON Schema.
package llmjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"agentfabric/internal/domain"
)

// ErrNoJSON is returned when a reply holds no JSON value.
var ErrNoJSON = errors.New("no JSON found in reply")

// MustCompile compiles a schema literal. It panics on a bad schema, so it
// is meant for package-level vars.
func MustCompile(src string) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("llmjson: compile schema: %v", err))
	}
	return s
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n?(.*?)```")

// Extract returns the JSON text of a reply: the first fenced block that
// holds JSON, else the first balanced object or array in the text.
func Extract(reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	for _, m := range fenceRe.FindAllStringSubmatch(reply, -1) {
		body := strings.TrimSpace(m[1])
		if json.Valid([]byte(body)) {
			return body, nil
		}
		if s, ok := balanced(body); ok {
			return s, nil
		}
	}
	if json.Valid([]byte(reply)) && reply != "" {
		return reply, nil
	}
	if s, ok := balanced(reply); ok {
		return s, nil
	}
	return "", ErrNoJSON
}

// balanced scans for the first '{' or '[' and returns the shortest prefix
// from there whose brackets balance outside of string literals.
func balanced(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	for start >= 0 {
		depth := 0
		inStr, esc := false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case esc:
				esc = false
			case inStr && c == '\\':
				esc = true
			case c == '"':
				inStr = !inStr
			case inStr:
			case c == '{' || c == '[':
				depth++
			case c == '}' || c == ']':
				depth--
				if depth == 0 {
					cand := s[start : i+1]
					if json.Valid([]byte(cand)) {
						return cand, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexAny(s[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// Decode extracts the JSON of reply, validates it against schema when one
// is given and unmarshals it into out.
func Decode(reply string, schema *jsonschema.Schema, out any) error {
	raw, err := Extract(reply)
	if err != nil {
		return err
	}
	if schema != nil {
		var generic any
		if err := json.Unmarshal([]byte(raw), &generic); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if res := schema.Validate(generic); !res.IsValid() {
			return fmt.Errorf("reply does not match schema: %s", res.Error())
		}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// Ask sends req and decodes the reply into out. Transport failures keep
// their provider error; unreadable replies are wrapped in kind.
func Ask(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest, schema *jsonschema.Schema, kind error, out any) error {
	if p == nil {
		return fmt.Errorf("%w: no model configured for %s", domain.ErrProviderNotFound, req.Purpose)
	}
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return err
	}
	if err := Decode(resp.Message.Content, schema, out); err != nil {
		return fmt.Errorf("%w: %s reply: %v", kind, req.Purpose, err)
	}
	return nil
}

// Truncate shortens s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	end := 0
	for i := range s {
		if i > n {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
