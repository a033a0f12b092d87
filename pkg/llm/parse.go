package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"docscope/pkg/evidence"
)

// Judgment is one segment's parsed verdict.
type Judgment struct {
	Relevant bool
	Findings []evidence.Item
}

type findingPayload struct {
	Point      string   `json:"point"`
	Excerpt    string   `json:"excerpt"`
	Confidence string   `json:"confidence"`
	LineStart  int      `json:"lineStart"`
	LineEnd    int      `json:"lineEnd"`
	FollowUps  []string `json:"followUps"`
}

type judgmentPayload struct {
	Relevant bool             `json:"relevant"`
	Findings []findingPayload `json:"findings"`
}

type synthesisPayload struct {
	Answer     string   `json:"answer"`
	KeyPoints  []string `json:"keyPoints"`
	Confidence string   `json:"confidence"`
}

// ExtractJSON pulls the first JSON object out of a model response. Models
// wrap JSON in prose or code fences often enough that strict parsing is not
// an option.
func ExtractJSON(text string) (string, error) {
	// Prefer a fenced block if present.
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			if candidate := firstObject(rest[:end]); candidate != "" {
				return candidate, nil
			}
		}
	}
	if candidate := firstObject(text); candidate != "" {
		return candidate, nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// firstObject returns the first balanced {...} span, respecting strings.
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func parseConfidence(raw string) evidence.Confidence {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return evidence.ConfidenceHigh
	case "low":
		return evidence.ConfidenceLow
	default:
		return evidence.ConfidenceMedium
	}
}

// ParseJudgment decodes a segment judgment from a model response, tolerating
// surrounding prose.
func ParseJudgment(text string) (Judgment, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return Judgment{}, err
	}
	var payload judgmentPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Judgment{}, fmt.Errorf("failed to parse judgment: %w", err)
	}

	judgment := Judgment{Relevant: payload.Relevant}
	for _, f := range payload.Findings {
		if strings.TrimSpace(f.Point) == "" {
			continue
		}
		judgment.Findings = append(judgment.Findings, evidence.Item{
			Point:      f.Point,
			Excerpt:    f.Excerpt,
			Confidence: parseConfidence(f.Confidence),
			LineStart:  f.LineStart,
			LineEnd:    f.LineEnd,
			FollowUps:  f.FollowUps,
		})
	}
	return judgment, nil
}

// ParseSynthesis decodes a final answer from a model response, tolerating
// surrounding prose.
func ParseSynthesis(text string) (evidence.Synthesis, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return evidence.Synthesis{}, err
	}
	var payload synthesisPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return evidence.Synthesis{}, fmt.Errorf("failed to parse synthesis: %w", err)
	}
	if strings.TrimSpace(payload.Answer) == "" {
		return evidence.Synthesis{}, fmt.Errorf("synthesis response has no answer")
	}
	return evidence.Synthesis{
		Answer:     payload.Answer,
		KeyPoints:  payload.KeyPoints,
		Confidence: parseConfidence(payload.Confidence),
	}, nil
}
