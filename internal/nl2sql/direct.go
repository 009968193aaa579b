package nl2sql

import (
	"context"
	"strings"
)

// DirectTranslator serves deployments without a model: a question that is
// already a SELECT or WITH statement is passed through, anything else is
// declined.
type DirectTranslator struct{}

func (DirectTranslator) Translate(_ context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	lead := strings.ToUpper(strings.SplitN(question, " ", 2)[0])
	if lead == "SELECT" || lead == "WITH" {
		return Parsed{Explanation: "Ran the statement as written.", SQL: &question}, nil
	}
	return Parsed{Explanation: "No language model is configured; send a SELECT statement to query directly."}, nil
}
