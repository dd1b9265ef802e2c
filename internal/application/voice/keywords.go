// Package voice listens to speech transcripts for distress keywords.
package voice

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeywords covers English plus common Hindi/Urdu distress words.
var DefaultKeywords = []string{
	"help", "sos", "emergency", "police", "bachao", "madad",
	"save me", "help me", "danger", "musaibat", "bachavo", "madavo",
}

// Matcher reports whether a transcript contains a distress keyword.
type Matcher struct {
	keywords []string
}

// NewMatcher builds a matcher; an empty list falls back to DefaultKeywords.
func NewMatcher(keywords []string) *Matcher {
	m := &Matcher{}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			m.keywords = append(m.keywords, k)
		}
	}
	if len(m.keywords) == 0 {
		return NewMatcher(DefaultKeywords)
	}
	return m
}

// Match is a case-insensitive substring test.
func (m *Matcher) Match(text string) bool {
	text = strings.ToLower(text)
	for _, k := range m.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Keywords returns a copy of the configured set.
func (m *Matcher) Keywords() []string {
	return append([]string(nil), m.keywords...)
}

type keywordFile struct {
	Keywords []string `yaml:"keywords"`
}

// LoadKeywords reads a YAML file of the form `keywords: [...]`.
func LoadKeywords(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keywords file: %w", err)
	}
	var f keywordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keywords file: %w", err)
	}
	if len(f.Keywords) == 0 {
		return nil, fmt.Errorf("keywords file %s lists no keywords", path)
	}
	return f.Keywords, nil
}
