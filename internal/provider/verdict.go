package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ebakumov/inkwell/internal/runstate"
)

// verdictSchema is the contract for the Review stage's structured output.
// Documents that fail it degrade to the default verdict at the call site
// rather than aborting the run.
const verdictSchema = `{
	"type": "object",
	"required": ["verdict"],
	"properties": {
		"verdict": {
			"type": "string",
			"enum": [
				"passed",
				"logic_error",
				"character_consistency_error",
				"style_error",
				"other_error"
			]
		},
		"feedback": {"type": "string"},
		"scores": {
			"type": "object",
			"additionalProperties": {"type": "number"}
		}
	}
}`

var compiledVerdictSchema = jsonschema.MustCompileString("review_verdict.json", verdictSchema)

type verdictDoc struct {
	Verdict  string             `json:"verdict"`
	Feedback string             `json:"feedback"`
	Scores   map[string]float64 `json:"scores"`
}

// ReviewResult is the decoded review classification.
type ReviewResult struct {
	Verdict  runstate.Verdict
	Feedback string
	Scores   map[string]float64
}

// DecodeVerdict parses the provider's review output. The text may wrap the
// JSON document in prose or a fenced code block; the first JSON object found
// is used. Callers degrade to VerdictOtherError when an error is returned.
func DecodeVerdict(raw string) (*ReviewResult, error) {
	body := FirstJSONObject(raw)
	if body == "" {
		return nil, fmt.Errorf("no JSON object in review output")
	}

	var generic any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return nil, fmt.Errorf("decode review output: %w", err)
	}
	if err := compiledVerdictSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("review output failed schema: %w", err)
	}

	var doc verdictDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode review output: %w", err)
	}
	v, err := runstate.ParseVerdict(doc.Verdict)
	if err != nil {
		return nil, err
	}
	return &ReviewResult{
		Verdict:  v,
		Feedback: strings.TrimSpace(doc.Feedback),
		Scores:   doc.Scores,
	}, nil
}

// DefaultVerdict is the documented degrade target for unparseable review
// output: treated as an ordinary revisable failure, never as a pass.
func DefaultVerdict(reason string) *ReviewResult {
	return &ReviewResult{
		Verdict:  runstate.VerdictOtherError,
		Feedback: "review output was not parseable: " + strings.TrimSpace(reason),
	}
}

// FirstJSONObject returns the first balanced top-level JSON object in s.
// Providers habitually wrap structured output in prose or code fences.
func FirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
