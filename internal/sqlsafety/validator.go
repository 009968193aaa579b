package sqlsafety

import (
	"strings"

	"github.com/chatsql/chatsql/internal/apperrors"
)

var readOnlyOperations = map[string]struct{}{
	"SELECT":   {},
	"VALUES":   {},
	"SHOW":     {},
	"EXPLAIN":  {},
	"DESCRIBE": {},
}

// words that end a reference list in FROM/JOIN and therefore cannot be aliases
var clauseWords = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {}, "HAVING": {},
	"JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {},
	"NATURAL": {}, "OUTER": {}, "ON": {}, "USING": {}, "UNION": {}, "INTERSECT": {},
	"EXCEPT": {}, "WINDOW": {}, "FETCH": {}, "FOR": {}, "LATERAL": {}, "SELECT": {},
	"QUALIFY": {}, "TABLESAMPLE": {}, "INTO": {}, "RETURNING": {}, "VALUES": {},
	"AS": {},
}

var projectionStop = map[string]struct{}{
	"FROM": {}, "WHERE": {}, "GROUP": {}, "HAVING": {}, "ORDER": {}, "LIMIT": {},
	"OFFSET": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "INTO": {},
	"WINDOW": {}, "FETCH": {}, "QUALIFY": {},
}

// functions whose argument syntax uses FROM without referencing a table
var fromArgumentFunctions = map[string]struct{}{
	"EXTRACT": {}, "SUBSTRING": {}, "SUBSTR": {}, "TRIM": {}, "OVERLAY": {}, "POSITION": {},
}

// Statement is a validated single read-only statement.
type Statement struct {
	// SQL is the trimmed statement without trailing semicolons.
	SQL string
	// Verb is the leading keyword, for example SELECT or WITH.
	Verb string
	// Operation is the effective operation: the verb that follows a WITH prefix.
	Operation string
	// Tables lists referenced base tables in order of first appearance,
	// lower-cased and dot-joined when schema-qualified.
	Tables []string

	tokens    []token
	refs      []tableRef
	functions []fromFunction
	renames   []columnRename
	selects   []int
	ctes      map[string]struct{}
	// sources counts the FROM and JOIN items of each query block, keyed like
	// tableRef.owner.
	sources map[int]int
}

type tableRef struct {
	name  string
	alias string
	index int
	// owner is the token index of the SELECT whose FROM lists this table, or -1.
	owner int
	// columns is a column alias list given after the alias.
	columns []string
	// qualifier is the source text that names the table inside its block:
	// the alias when present, otherwise the table name as written.
	qualifier string
}

// fromFunction is a FROM source that is not a table: a function call, or a
// string literal that some engines read as a file path.
type fromFunction struct {
	name    string
	index   int
	literal bool
}

// columnRename is a column alias list applied to the query whose
// parenthesized body opens at tokens[body].
type columnRename struct {
	body    int
	columns []string
}

// Validate checks sql against policy without executing anything.
func Validate(sql string, policy SQLPolicy) (Statement, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return Statement{}, apperrors.PolicyViolation("statement is empty")
	}
	tokens, err := lex(trimmed)
	if err != nil {
		return Statement{}, err
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].isPunct(";") {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return Statement{}, apperrors.PolicyViolation("statement is empty")
	}
	for _, tok := range tokens {
		if tok.isPunct(";") {
			return Statement{}, apperrors.PolicyViolation("multiple statements are not allowed")
		}
	}

	text := inspectionText(tokens)
	for _, keyword := range policy.BlockedKeywords {
		needle := strings.ToLower(keyword)
		if strings.TrimSpace(needle) == "" {
			continue
		}
		if strings.Contains(text, needle) {
			return Statement{}, apperrors.PolicyViolation("statement contains blocked keyword %q", strings.TrimSpace(keyword))
		}
	}

	stmt := Statement{
		SQL:    trimmed[:tokens[len(tokens)-1].end],
		tokens: tokens,
	}
	lead := skipOpenParens(tokens, 0)
	if lead >= len(tokens) || tokens[lead].kind != tokWord {
		return Statement{}, apperrors.PolicyViolation("statement does not start with a keyword")
	}
	stmt.Verb = tokens[lead].upper
	if !policy.allows(stmt.Verb) {
		return Statement{}, apperrors.PolicyViolation("operation %s is not allowed", stmt.Verb)
	}

	mainStart, ctes, renames, err := parseWith(tokens, lead)
	if err != nil {
		return Statement{}, err
	}
	mainStart = skipOpenParens(tokens, mainStart)
	if mainStart >= len(tokens) || tokens[mainStart].kind != tokWord {
		return Statement{}, apperrors.PolicyViolation("statement has no operation after WITH")
	}
	stmt.Operation = tokens[mainStart].upper
	if _, ok := readOnlyOperations[stmt.Operation]; !ok {
		return Statement{}, apperrors.PolicyViolation("operation %s is not read-only", stmt.Operation)
	}
	if stmt.Operation != stmt.Verb && !policy.allows(stmt.Operation) {
		return Statement{}, apperrors.PolicyViolation("operation %s is not allowed", stmt.Operation)
	}
	stmt.ctes = ctes
	stmt.renames = renames
	stmt.scan()

	for _, fn := range stmt.functions {
		if fn.literal {
			return Statement{}, apperrors.PermissionDenied("", "reading from literal source %q is not allowed", fn.name)
		}
		if !policy.allowsTableFunction(fn.name) {
			return Statement{}, apperrors.PermissionDenied(fn.name, "table function %q is not allowed", fn.name)
		}
	}

	for _, sel := range stmt.selects {
		if stop := stmt.projectionEnd(sel); stop < len(tokens) && tokens[stop].isWord("INTO") && tokens[stop].depth == tokens[sel].depth {
			return Statement{}, apperrors.PolicyViolation("SELECT ... INTO is not allowed")
		}
	}
	return stmt, nil
}

// inspectionText is the lower-cased token stream joined by single spaces and
// padded on both sides. String literal contents are blanked.
func inspectionText(tokens []token) string {
	var b strings.Builder
	b.WriteByte(' ')
	for _, tok := range tokens {
		switch tok.kind {
		case tokString:
			b.WriteString("''")
		default:
			b.WriteString(strings.ToLower(tok.text))
		}
		b.WriteByte(' ')
	}
	return b.String()
}

func skipOpenParens(tokens []token, i int) int {
	for i < len(tokens) && tokens[i].isPunct("(") {
		i++
	}
	return i
}

// matchParen returns the index of the ')' closing the '(' at tokens[open].
func matchParen(tokens []token, open int) int {
	depth := tokens[open].depth
	for i := open + 1; i < len(tokens); i++ {
		if tokens[i].isPunct(")") && tokens[i].depth == depth {
			return i
		}
	}
	return len(tokens)
}

// parseWith walks a WITH prefix starting at tokens[i] and returns the index of
// the main statement together with the declared CTE names and the column
// lists some of them declare.
func parseWith(tokens []token, i int) (int, map[string]struct{}, []columnRename, error) {
	ctes := map[string]struct{}{}
	if !tokens[i].isWord("WITH") {
		return i, ctes, nil, nil
	}
	var renames []columnRename
	malformed := apperrors.PolicyViolation("malformed WITH clause")
	j := i + 1
	if j < len(tokens) && tokens[j].isWord("RECURSIVE") {
		j++
	}
	for {
		if j >= len(tokens) || !tokens[j].isIdent() {
			return 0, nil, nil, malformed
		}
		ctes[tokens[j].ident()] = struct{}{}
		j++
		var columns []string
		if j < len(tokens) && tokens[j].isPunct("(") {
			columns = identList(tokens, j)
			j = matchParen(tokens, j) + 1
		}
		if j >= len(tokens) || !tokens[j].isWord("AS") {
			return 0, nil, nil, malformed
		}
		j++
		if j < len(tokens) && tokens[j].isWord("NOT") {
			j++
		}
		if j < len(tokens) && tokens[j].isWord("MATERIALIZED") {
			j++
		}
		if j >= len(tokens) || !tokens[j].isPunct("(") {
			return 0, nil, nil, malformed
		}
		if len(columns) > 0 {
			renames = append(renames, columnRename{body: j, columns: columns})
		}
		j = matchParen(tokens, j) + 1
		if j < len(tokens) && tokens[j].isPunct(",") {
			j++
			continue
		}
		return j, ctes, renames, nil
	}
}

// identList returns the identifiers listed directly inside the parenthesis
// opening at tokens[open].
func identList(tokens []token, open int) []string {
	var out []string
	end := matchParen(tokens, open)
	for k := open + 1; k < end; k++ {
		if tokens[k].depth == tokens[open].depth+1 && tokens[k].isIdent() {
			out = append(out, tokens[k].ident())
		}
	}
	return out
}

// scan records SELECT positions and FROM/JOIN table references.
func (s *Statement) scan() {
	tokens := s.tokens
	s.sources = map[int]int{}
	lastSelect := map[int]int{}
	var callers []string
	seen := map[string]struct{}{}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.isPunct("("):
			name := ""
			if i > 0 && tokens[i-1].kind == tokWord {
				name = tokens[i-1].upper
			}
			callers = append(callers, name)
		case tok.isPunct(")"):
			if len(callers) > 0 {
				callers = callers[:len(callers)-1]
			}
		case tok.isWord("SELECT"):
			s.selects = append(s.selects, i)
			lastSelect[tok.depth] = i
		case tok.isWord("FROM") || tok.isWord("JOIN"):
			if tok.isWord("FROM") {
				if i > 0 && tokens[i-1].isWord("DISTINCT") {
					continue
				}
				if len(callers) > 0 {
					if _, ok := fromArgumentFunctions[callers[len(callers)-1]]; ok {
						continue
					}
				}
			}
			owner, ok := lastSelect[tok.depth]
			if !ok {
				owner = -1
			}
			for _, ref := range s.readRefs(i+1, tok.isWord("FROM"), owner) {
				s.refs = append(s.refs, ref)
				if _, dup := seen[ref.name]; !dup {
					seen[ref.name] = struct{}{}
					s.Tables = append(s.Tables, ref.name)
				}
			}
		}
	}
}

// readRefs parses the reference list that starts at tokens[j]. Derived tables
// are skipped since their inner statements are scanned on their own; table
// functions and literal sources are recorded in s.functions.
func (s *Statement) readRefs(j int, list bool, owner int) []tableRef {
	tokens := s.tokens
	var refs []tableRef
	for j < len(tokens) {
		for j < len(tokens) && (tokens[j].isWord("LATERAL") || tokens[j].isWord("ONLY")) {
			j++
		}
		if j >= len(tokens) {
			break
		}
		var ref *tableRef
		derived := -1
		switch {
		case tokens[j].isPunct("("):
			derived = j
			j = matchParen(tokens, j) + 1
		case tokens[j].kind == tokString:
			s.functions = append(s.functions, fromFunction{name: tokens[j].text, index: j, literal: true})
			j++
		case tokens[j].isIdent():
			start := j
			parts := []string{tokens[j].ident()}
			for j+2 < len(tokens) && tokens[j+1].isPunct(".") && tokens[j+2].isIdent() {
				parts = append(parts, tokens[j+2].ident())
				j += 2
			}
			j++
			name := strings.Join(parts, ".")
			if j < len(tokens) && tokens[j].isPunct("(") {
				s.functions = append(s.functions, fromFunction{name: name, index: start})
				j = matchParen(tokens, j) + 1
				break
			}
			if _, isCTE := s.ctes[name]; isCTE && len(parts) == 1 {
				break
			}
			if name == "dual" {
				break
			}
			ref = &tableRef{name: name, index: start, owner: owner, qualifier: s.SQL[tokens[start].start:tokens[j-1].end]}
		default:
			return refs
		}
		s.sources[owner]++

		alias := ""
		aliasAt := -1
		if j+1 < len(tokens) && tokens[j].isWord("AS") && tokens[j+1].isIdent() {
			aliasAt = j + 1
			j += 2
		} else if j < len(tokens) && tokens[j].isIdent() && !isClauseWord(tokens[j]) {
			aliasAt = j
			j++
		}
		if aliasAt >= 0 {
			alias = tokens[aliasAt].ident()
		}
		var columns []string
		if alias != "" && j < len(tokens) && tokens[j].isPunct("(") {
			columns = identList(tokens, j)
			j = matchParen(tokens, j) + 1
		}
		if derived >= 0 && len(columns) > 0 {
			s.renames = append(s.renames, columnRename{body: derived, columns: columns})
		}
		if ref != nil {
			ref.alias = alias
			ref.columns = columns
			if aliasAt >= 0 {
				ref.qualifier = s.SQL[tokens[aliasAt].start:tokens[aliasAt].end]
			}
			refs = append(refs, *ref)
		}
		if list && j < len(tokens) && tokens[j].isPunct(",") {
			j++
			continue
		}
		break
	}
	return refs
}

func isClauseWord(tok token) bool {
	if tok.kind != tokWord {
		return false
	}
	_, ok := clauseWords[tok.upper]
	return ok
}

// projectionEnd returns the index of the token that ends the select list of
// the SELECT at tokens[sel].
func (s *Statement) projectionEnd(sel int) int {
	depth := s.tokens[sel].depth
	for i := sel + 1; i < len(s.tokens); i++ {
		tok := s.tokens[i]
		if tok.depth < depth {
			return i
		}
		if tok.depth != depth {
			continue
		}
		if tok.isPunct(";") {
			return i
		}
		if tok.kind == tokWord {
			if _, ok := projectionStop[tok.upper]; ok {
				return i
			}
		}
	}
	return len(s.tokens)
}

// scopeEnd returns the exclusive end of the query block led by tokens[sel].
func (s *Statement) scopeEnd(sel int) int {
	depth := s.tokens[sel].depth
	for i := sel + 1; i < len(s.tokens); i++ {
		tok := s.tokens[i]
		if tok.depth < depth {
			return i
		}
		if tok.depth == depth && (tok.isWord("UNION") || tok.isWord("INTERSECT") || tok.isWord("EXCEPT")) {
			return i
		}
	}
	return len(s.tokens)
}

// projection splits the select list of tokens[sel] into items.
func (s *Statement) projection(sel int) [][]token {
	depth := s.tokens[sel].depth
	end := s.projectionEnd(sel)
	i := sel + 1
	for i < end && (s.tokens[i].isWord("DISTINCT") || s.tokens[i].isWord("ALL")) {
		i++
		if i < end && s.tokens[i].isWord("ON") && i+1 < end && s.tokens[i+1].isPunct("(") {
			i = matchParen(s.tokens, i+1) + 1
		}
	}
	if i < end && s.tokens[i].isWord("TOP") {
		i += 2
	}
	var items [][]token
	var current []token
	for ; i < end; i++ {
		tok := s.tokens[i]
		if tok.isPunct(",") && tok.depth == depth {
			items = append(items, current)
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		items = append(items, current)
	}
	return items
}
