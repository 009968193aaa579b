// Package nl2sql turns a conversational turn into SQL through an external
// model. Model output is parsed strictly into Parsed or ParseFailure.
package nl2sql

import (
	"context"

	"github.com/chatsql/chatsql/internal/query"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	OrganizationID string `json:"organization_id"`
	// Turns are prior messages, oldest first.
	Turns    []Turn       `json:"turns"`
	Question string       `json:"question"`
	Schema   query.Schema `json:"schema"`
	// Dialect names the target database flavour, for example postgres.
	Dialect string `json:"dialect,omitempty"`
	// Hint is a display or command hint attached to the question, for
	// example "table" to force tabular output.
	Hint string `json:"hint,omitempty"`
	// Exploration carries the result of an exploratory query the model asked
	// for on the previous pass.
	Exploration *query.Result `json:"exploration,omitempty"`
}

type VisualizationHint struct {
	Type  string   `json:"type"`
	X     string   `json:"x,omitempty"`
	Y     []string `json:"y,omitempty"`
	Title string   `json:"title,omitempty"`
}

// Response is either Parsed or ParseFailure.
type Response interface {
	isResponse()
}

type Parsed struct {
	Explanation string `json:"explanation"`
	// SQL is nil when the model declined to write a query.
	SQL           *string            `json:"sql"`
	Reasoning     string             `json:"reasoning,omitempty"`
	Visualization *VisualizationHint `json:"visualization,omitempty"`
	// Exploratory marks SQL that inspects data before the real answer.
	Exploratory bool `json:"exploratory,omitempty"`
}

type ParseFailure struct {
	RawText string
	Reason  string
}

func (Parsed) isResponse()       {}
func (ParseFailure) isResponse() {}

// Translator errors are reserved for transport and timeout failures; content
// problems come back as ParseFailure.
type Translator interface {
	Translate(ctx context.Context, req Request) (Response, error)
}
