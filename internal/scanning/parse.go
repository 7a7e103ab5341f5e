package scanning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n?(.*?)```")

// StrategyError records why one parse strategy rejected a model response
type StrategyError struct {
	Strategy string
	Err      error
}

// ParseError is returned when no strategy could read a JSON object out of a
// model response
type ParseError struct {
	Length    int
	HasBraces bool
	Attempts  []StrategyError
}

func (e *ParseError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("%s (length %d, braces %t): %s",
		ErrExtractionParse.Error(), e.Length, e.HasBraces, strings.Join(reasons, "; "))
}

// Is makes errors.Is(err, ErrExtractionParse) hold
func (e *ParseError) Is(target error) bool {
	return target == ErrExtractionParse
}

var errNoCandidate = errors.New("no candidate found")

type parseStrategy struct {
	name    string
	extract func(text string) (string, error)
}

// parseStrategies are tried in order; the first one that yields a JSON object wins
var parseStrategies = []parseStrategy{
	{name: "fenced", extract: fromFencedBlock},
	{name: "whole", extract: fromWholeText},
	{name: "braces", extract: fromBraceSpan},
}

func fromFencedBlock(text string) (string, error) {
	m := fencedBlock.FindStringSubmatch(text)
	if m == nil {
		return "", errNoCandidate
	}
	return m[1], nil
}

func fromWholeText(text string) (string, error) {
	return strings.TrimSpace(text), nil
}

func fromBraceSpan(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return "", errNoCandidate
	}
	return text[start : end+1], nil
}

// ParseResponse reads the JSON object out of a free-text model response. It
// accepts a fenced code block, a bare JSON document, or JSON embedded in prose.
func ParseResponse(text string) (map[string]any, error) {
	perr := &ParseError{
		Length:    len(text),
		HasBraces: strings.Contains(text, "{") && strings.Contains(text, "}"),
	}

	for _, s := range parseStrategies {
		candidate, err := s.extract(text)
		if err == nil {
			var obj map[string]any
			if obj, err = decodeObject(candidate); err == nil {
				return obj, nil
			}
		}
		perr.Attempts = append(perr.Attempts, StrategyError{Strategy: s.name, Err: err})
	}

	return nil, perr
}

func decodeObject(candidate string) (map[string]any, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, errNoCandidate
	}

	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after json value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("json value is %T, not an object", v)
	}
	return obj, nil
}

// DecodeExtraction converts a parsed JSON object into a RawExtraction. An
// object with "isInvoice": false yields a *NotInvoiceError.
func DecodeExtraction(obj map[string]any) (*RawExtraction, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshaling extraction: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw RawExtraction
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{
			Length:    len(b),
			HasBraces: true,
			Attempts:  []StrategyError{{Strategy: "decode", Err: err}},
		}
	}

	if raw.IsInvoice != nil && !*raw.IsInvoice {
		return nil, &NotInvoiceError{Reason: strings.TrimSpace(raw.Reason.String())}
	}

	return &raw, nil
}

// parseExtraction runs the full strategy chain over a free-text response
func parseExtraction(text string) (*RawExtraction, error) {
	obj, err := ParseResponse(text)
	if err != nil {
		return nil, err
	}
	return DecodeExtraction(obj)
}

// parseStructured decodes a response from a provider running in JSON mode.
// The strategy chain is only consulted when the provider ignored JSON mode.
func parseStructured(text string) (*RawExtraction, error) {
	obj, err := decodeObject(text)
	if err != nil {
		return parseExtraction(text)
	}
	return DecodeExtraction(obj)
}
