package summarizer

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/hearth/internal/memory"
)

// defaultConfidence applies to extracted facts that omit a confidence.
const defaultConfidence = 0.5

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", memory.ErrMalformedOutput, fmt.Sprintf(format, args...))
}

// parseJSON locates the JSON document in a model reply and repairs it when
// needed. Code fences and surrounding prose are ignored.
func parseJSON(raw string) (gjson.Result, error) {
	text := strings.TrimSpace(raw)
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return gjson.Result{}, malformed("no json in reply")
	}
	text = text[start:]
	if end := strings.LastIndexAny(text, "}]"); end >= 0 {
		text = text[:end+1]
	}

	if !gjson.Valid(text) {
		fixed, err := jsonrepair.JSONRepair(text)
		if err != nil || !gjson.Valid(fixed) {
			return gjson.Result{}, malformed("invalid json in reply")
		}
		text = fixed
	}
	return gjson.Parse(text), nil
}

// listOf returns the array held at key, or the document itself when the
// reply is a bare array.
func listOf(doc gjson.Result, key string) ([]gjson.Result, error) {
	if doc.IsArray() {
		return doc.Array(), nil
	}
	list := doc.Get(key)
	if !list.Exists() || list.Type == gjson.Null {
		return nil, malformed("missing %q", key)
	}
	if !list.IsArray() {
		return nil, malformed("%q is not a list", key)
	}
	return list.Array(), nil
}

func decodeFacts(raw string) ([]memory.FactCandidate, error) {
	doc, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	items, err := listOf(doc, "facts")
	if err != nil {
		return nil, err
	}

	out := make([]memory.FactCandidate, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, malformed("fact %d is not an object", i)
		}
		text := item.Get("text")
		if !text.Exists() {
			text = item.Get("content")
		}
		if text.Type != gjson.String {
			return nil, malformed("fact %d has no text", i)
		}

		confidence := defaultConfidence
		if c := item.Get("confidence"); c.Exists() {
			if c.Type != gjson.Number {
				return nil, malformed("fact %d confidence is not a number", i)
			}
			confidence = c.Float()
		}

		out = append(out, memory.FactCandidate{
			Category:   item.Get("category").String(),
			Subject:    item.Get("subject").String(),
			Text:       text.String(),
			Confidence: confidence,
		})
	}
	return out, nil
}

func decodeCore(raw string) ([]memory.CoreCandidate, error) {
	doc, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	items, err := listOf(doc, "core_memories")
	if err != nil {
		return nil, err
	}

	out := make([]memory.CoreCandidate, 0, len(items))
	for i, item := range items {
		desc := item.Get("description")
		if desc.Type != gjson.String {
			return nil, malformed("core memory %d has no description", i)
		}
		imp := item.Get("importance")
		if imp.Type != gjson.Number {
			return nil, malformed("core memory %d importance is not a number", i)
		}
		out = append(out, memory.CoreCandidate{
			Description: desc.String(),
			Importance:  imp.Float(),
		})
	}
	return out, nil
}
