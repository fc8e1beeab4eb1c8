// Package parser turns case documents into typed case sections.
package parser

import "context"

// Section types. They match the section_type values stored for a case.
const (
	TypeFacts       = "facts"
	TypeDiscussion  = "discussion"
	TypeQuestions   = "questions"
	TypeConclusions = "conclusions"
	TypeReferences  = "references"
	TypeOther       = "other"
)

// ParseResult is what a parser produces from a case document.
type ParseResult struct {
	Title      string
	CaseNumber string
	Year       int
	Sections   []Section // Ordered sections extracted from the document
	Method     string    // "native"
	Metadata   map[string]string
}

// Section represents a logical section of a parsed case.
type Section struct {
	Heading string
	Content string
	Level   int    // Heading level (1=top, 2=sub, etc.)
	Type    string // facts, discussion, questions, conclusions, references, other
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}
