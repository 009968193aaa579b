package sqlsafety

import (
	"regexp"
	"sort"
	"strings"

	"github.com/chatsql/chatsql/internal/apperrors"
)

// Applied is a statement after permission enforcement.
type Applied struct {
	SQL string
	// MaskedColumns maps lower-cased result column names to the mask to apply.
	MaskedColumns map[string]MaskType
}

var filterPlaceholder = regexp.MustCompile(`(^|[^:]):([A-Za-z_][A-Za-z0-9_]*)`)

var aliasReserved = map[string]struct{}{
	"END": {}, "NULL": {}, "TRUE": {}, "FALSE": {}, "AND": {}, "OR": {},
	"NOT": {}, "IS": {}, "ELSE": {}, "THEN": {},
}

var filterBoundary = map[string]struct{}{
	"GROUP": {}, "HAVING": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {},
	"WINDOW": {}, "FETCH": {}, "FOR": {}, "QUALIFY": {},
}

// ApplyPermissions enforces perm on a validated statement for caller. It
// rejects unknown tables, disallowed operations and inaccessible columns, and
// rewrites the statement with row-level filters for user-scoped tables.
func ApplyPermissions(stmt Statement, perm DataPermission, caller Caller) (Applied, error) {
	if len(stmt.tokens) == 0 {
		return Applied{}, apperrors.PolicyViolation("statement was not validated")
	}

	resolved := make(map[string]TablePermission, len(stmt.Tables))
	for _, name := range stmt.Tables {
		table, ok := perm.Table(name)
		if !ok {
			return Applied{}, apperrors.PermissionDenied(name, "role %q has no access to table %q", caller.Role, name)
		}
		if !table.allows(stmt.Operation) {
			return Applied{}, apperrors.PermissionDenied(name, "role %q may not run %s on table %q", caller.Role, stmt.Operation, name)
		}
		resolved[name] = table
	}

	masked := map[string]MaskType{}
	for _, name := range stmt.Tables {
		for _, col := range resolved[name].ColumnPermissions {
			if !col.Masked {
				continue
			}
			mask := col.MaskType
			if mask == "" {
				mask = MaskFull
			}
			key := strings.ToLower(col.ColumnName)
			masked[key] = masked[key].Stricter(mask)
		}
	}

	if err := stmt.checkProjection(resolved, masked); err != nil {
		return Applied{}, err
	}

	sql, err := stmt.applyRowFilters(resolved, caller)
	if err != nil {
		return Applied{}, err
	}
	return Applied{SQL: sql, MaskedColumns: masked}, nil
}

// checkProjection rejects inaccessible columns in any select list and extends
// masked with every output name that can carry a masked value: item aliases,
// column alias lists of CTEs and derived tables, and the matching positions of
// set operation branches. Passes repeat until no name is added, which follows
// a masked value through any depth of nesting.
func (s *Statement) checkProjection(resolved map[string]TablePermission, masked map[string]MaskType) error {
	for _, ref := range s.refs {
		if len(ref.columns) == 0 {
			continue
		}
		for _, col := range resolved[ref.name].ColumnPermissions {
			if col.Masked || !col.Accessible {
				return apperrors.PermissionDenied(ref.name, "column aliases on table %q would rename protected column %q", ref.name, col.ColumnName)
			}
		}
	}

	groups := s.branchGroups()
	renamed := make(map[int][]string, len(s.renames))
	for _, rename := range s.renames {
		renamed[rename.body] = rename.columns
	}
	for {
		outputs := make(map[int][]output, len(s.selects))
		for _, sel := range s.selects {
			items, err := s.outputs(sel, resolved, masked)
			if err != nil {
				return err
			}
			outputs[sel] = items
		}

		changed := false
		mark := func(name string, mask MaskType) {
			if name == "" || mask == "" {
				return
			}
			if next := masked[name].Stricter(mask); next != masked[name] {
				masked[name] = next
				changed = true
			}
		}
		for _, items := range outputs {
			for _, item := range items {
				mark(item.name, item.mask)
			}
		}
		for key, branches := range groups {
			columns, isRenamed := renamed[key]
			if len(branches) < 2 && !isRenamed {
				continue
			}
			positional, star := positionalMasks(outputs, branches)
			if star && len(masked) > 0 {
				return apperrors.PermissionDenied("", "SELECT * cannot be combined with set operations or column aliases while masked columns are in scope")
			}
			for _, sel := range branches {
				for k, item := range outputs[sel] {
					mark(item.name, positional[k])
				}
			}
			for k, column := range columns {
				if k < len(positional) {
					mark(column, positional[k])
				}
			}
		}
		if !changed {
			return nil
		}
	}
}

// output is one select list item: the name it appears under in the result and
// the mask its value needs.
type output struct {
	name string
	mask MaskType
	star bool
}

func (s *Statement) outputs(sel int, resolved map[string]TablePermission, masked map[string]MaskType) ([]output, error) {
	var out []output
	for _, item := range s.projection(sel) {
		if len(item) == 0 {
			continue
		}
		if qualifier, ok := starItem(item); ok {
			for _, name := range s.starTables(sel, qualifier) {
				for _, col := range resolved[name].ColumnPermissions {
					if !col.Accessible {
						return nil, apperrors.ColumnNotAccessible(name, col.ColumnName)
					}
				}
			}
			out = append(out, output{star: true})
			continue
		}

		expr, alias := splitAlias(item)
		var (
			mask       MaskType
			maskSource string
		)
		for _, column := range columnRefs(expr) {
			for _, name := range s.Tables {
				col, ok := resolved[name].Column(column)
				if ok && !col.Accessible {
					return nil, apperrors.ColumnNotAccessible(name, col.ColumnName)
				}
			}
			if m, ok := masked[column]; ok {
				mask = mask.Stricter(m)
				maskSource = column
			}
		}
		if isCount(expr) {
			mask = ""
		}
		name := alias
		if name == "" && isBareColumn(expr) {
			name = expr[len(expr)-1].ident()
		}
		if mask != "" && name == "" {
			return nil, apperrors.PermissionDenied("", "expression over masked column %q must be given an alias", maskSource)
		}
		out = append(out, output{name: name, mask: mask})
	}
	return out, nil
}

// positionalMasks merges the masks of the branches item by item. star reports
// whether any branch has a '*' item, whose width is unknown here.
func positionalMasks(outputs map[int][]output, branches []int) ([]MaskType, bool) {
	var (
		masks []MaskType
		star  bool
	)
	for _, sel := range branches {
		for k, item := range outputs[sel] {
			if item.star {
				star = true
			}
			for len(masks) <= k {
				masks = append(masks, "")
			}
			masks[k] = masks[k].Stricter(item.mask)
		}
	}
	return masks, star
}

// branchGroups groups the SELECTs that are branches of one set operation. The
// key is the token index of the paren holding the set operation, or -1 at the
// top level.
func (s *Statement) branchGroups() map[int][]int {
	enclosing := s.enclosingParens()
	groups := map[int][]int{}
	for _, sel := range s.selects {
		key := enclosing[sel]
		for key >= 0 && s.wrapsBranch(key) {
			key = enclosing[key]
		}
		groups[key] = append(groups[key], sel)
	}
	return groups
}

// enclosingParens maps every token to the innermost '(' around it, or -1.
func (s *Statement) enclosingParens() []int {
	out := make([]int, len(s.tokens))
	var stack []int
	for i, tok := range s.tokens {
		if tok.isPunct(")") && len(stack) > 0 {
			stack = stack[:len(stack)-1]
		}
		out[i] = -1
		if len(stack) > 0 {
			out[i] = stack[len(stack)-1]
		}
		if tok.isPunct("(") {
			stack = append(stack, i)
		}
	}
	return out
}

// wrapsBranch reports whether the paren at tokens[open] only parenthesizes a
// set operation branch, as in "(SELECT a) UNION (SELECT b)".
func (s *Statement) wrapsBranch(open int) bool {
	if open == 0 {
		return true
	}
	prev := s.tokens[open-1]
	if prev.isPunct("(") || prev.isPunct(")") {
		return true
	}
	if prev.kind != tokWord {
		return false
	}
	switch prev.upper {
	case "UNION", "INTERSECT", "EXCEPT", "ALL", "DISTINCT":
		return true
	}
	return false
}

// starTables lists the tables a '*' item expands to.
func (s *Statement) starTables(sel int, qualifier string) []string {
	var names []string
	for _, ref := range s.refs {
		if qualifier != "" {
			short := ref.name
			if idx := strings.LastIndex(short, "."); idx >= 0 {
				short = short[idx+1:]
			}
			if ref.alias == qualifier || ref.name == qualifier || (ref.alias == "" && short == qualifier) {
				names = append(names, ref.name)
			}
			continue
		}
		if ref.owner == sel {
			names = append(names, ref.name)
		}
	}
	return names
}

func starItem(item []token) (string, bool) {
	last := item[len(item)-1]
	if !last.isPunct("*") {
		return "", false
	}
	if len(item) == 1 {
		return "", true
	}
	if len(item) >= 3 && item[len(item)-2].isPunct(".") && item[len(item)-3].isIdent() {
		return item[len(item)-3].ident(), true
	}
	return "", false
}

func splitAlias(item []token) ([]token, string) {
	n := len(item)
	if n >= 3 && item[n-2].isWord("AS") && item[n-1].isIdent() {
		return item[:n-2], item[n-1].ident()
	}
	if n >= 2 && item[n-1].isIdent() {
		if _, reserved := aliasReserved[item[n-1].upper]; reserved && item[n-1].kind == tokWord {
			return item, ""
		}
		prev := item[n-2]
		if prev.isIdent() || prev.isPunct(")") || prev.kind == tokNumber || prev.kind == tokString {
			return item[:n-1], item[n-1].ident()
		}
	}
	return item, ""
}

// columnRefs yields the column names an expression reads. Function names,
// qualifiers and CAST target types are skipped.
func columnRefs(expr []token) []string {
	var refs []string
	for k, tok := range expr {
		if !tok.isIdent() {
			continue
		}
		if k+1 < len(expr) && (expr[k+1].isPunct("(") || expr[k+1].isPunct(".")) {
			continue
		}
		if k > 0 && expr[k-1].isWord("AS") {
			continue
		}
		refs = append(refs, tok.ident())
	}
	return refs
}

func isBareColumn(expr []token) bool {
	switch len(expr) {
	case 1:
		return expr[0].isIdent()
	case 3:
		return expr[0].isIdent() && expr[1].isPunct(".") && expr[2].isIdent()
	}
	return false
}

func isCount(expr []token) bool {
	return len(expr) >= 3 && expr[0].isWord("COUNT") && expr[1].isPunct("(") && matchParen(expr, 1) == len(expr)-1
}

type edit struct {
	offset int
	text   string
}

func (s *Statement) applyRowFilters(resolved map[string]TablePermission, caller Caller) (string, error) {
	filters := map[int][]string{}
	var owners []int
	// Predicates of blocks that join several sources name their table, so each
	// scoped reference is filtered on its own columns.
	for _, ref := range s.refs {
		table := resolved[ref.name]
		if table.DataScope != DataScopeUserRelated {
			continue
		}
		if strings.TrimSpace(table.RowLevelFilter) == "" {
			return "", apperrors.PermissionDenied(ref.name, "table %q is scoped to the caller but has no row-level filter", ref.name)
		}
		if ref.owner < 0 {
			return "", apperrors.PermissionDenied(ref.name, "row-level filter for table %q cannot be applied to this statement", ref.name)
		}
		predicate, err := bindFilter(table.RowLevelFilter, caller, ref.name)
		if err != nil {
			return "", err
		}
		if s.sources[ref.owner] > 1 {
			if predicate, err = qualifyFilter(predicate, ref.qualifier); err != nil {
				return "", apperrors.PermissionDenied(ref.name, "row-level filter for table %q is malformed", ref.name)
			}
		}
		if _, ok := filters[ref.owner]; !ok {
			owners = append(owners, ref.owner)
		}
		if !contains(filters[ref.owner], predicate) {
			filters[ref.owner] = append(filters[ref.owner], predicate)
		}
	}
	if len(owners) == 0 {
		return s.SQL, nil
	}

	var edits []edit
	for _, sel := range owners {
		edits = append(edits, s.whereEdits(sel, strings.Join(filters[sel], " AND "))...)
	}
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].offset > edits[j].offset })
	sql := s.SQL
	for _, e := range edits {
		sql = sql[:e.offset] + e.text + sql[e.offset:]
	}
	return sql, nil
}

// whereEdits conjoins predicate into the WHERE clause of the query block led
// by tokens[sel], creating the clause when absent.
func (s *Statement) whereEdits(sel int, predicate string) []edit {
	depth := s.tokens[sel].depth
	end := s.scopeEnd(sel)
	listEnd := s.projectionEnd(sel)
	where, boundary := -1, -1
	for k := sel + 1; k < end; k++ {
		tok := s.tokens[k]
		if tok.depth != depth || tok.kind != tokWord {
			continue
		}
		if where < 0 && tok.upper == "WHERE" {
			where = k
			continue
		}
		if _, ok := filterBoundary[tok.upper]; ok && k > listEnd {
			boundary = k
			break
		}
	}

	if where >= 0 {
		last := end - 1
		if boundary >= 0 {
			last = boundary - 1
		}
		if last <= where {
			return []edit{{offset: s.tokens[where].end, text: " " + predicate}}
		}
		return []edit{
			{offset: s.tokens[last].end, text: ") AND " + predicate},
			{offset: s.tokens[where+1].start, text: "("},
		}
	}
	if boundary >= 0 {
		return []edit{{offset: s.tokens[boundary].start, text: "WHERE " + predicate + " "}}
	}
	return []edit{{offset: s.tokens[end-1].end, text: " WHERE " + predicate}}
}

// bindFilter substitutes caller identity placeholders with quoted literals.
func bindFilter(filter string, caller Caller, table string) (string, error) {
	var bindErr error
	bound := filterPlaceholder.ReplaceAllStringFunc(filter, func(match string) string {
		groups := filterPlaceholder.FindStringSubmatch(match)
		prefix, name := groups[1], strings.ToLower(groups[2])
		var value string
		switch name {
		case "uid", "user", "user_id":
			value = caller.UserID
		case "org", "organization", "organization_id":
			value = caller.OrganizationID
		case "role":
			value = caller.Role
		default:
			if bindErr == nil {
				bindErr = apperrors.PermissionDenied(table, "row-level filter for table %q uses unknown parameter %q", table, groups[2])
			}
			return match
		}
		if strings.TrimSpace(value) == "" && bindErr == nil {
			bindErr = apperrors.PermissionDenied(table, "row-level filter for table %q needs caller %s", table, name)
		}
		return prefix + quoteLiteral(value)
	})
	if bindErr != nil {
		return "", bindErr
	}

	tokens, err := lex(bound)
	if err != nil {
		return "", apperrors.PermissionDenied(table, "row-level filter for table %q is malformed", table)
	}
	wrap := false
	for _, tok := range tokens {
		if tok.isPunct(";") {
			return "", apperrors.PermissionDenied(table, "row-level filter for table %q is malformed", table)
		}
		if tok.depth == 0 && tok.isWord("OR") {
			wrap = true
		}
	}
	bound = strings.TrimSpace(bound)
	if wrap {
		bound = "(" + bound + ")"
	}
	return bound, nil
}

// words a row-level filter may use that are not column names
var filterKeywords = map[string]struct{}{
	"AND": {}, "OR": {}, "NOT": {}, "IS": {}, "NULL": {}, "IN": {}, "LIKE": {},
	"ILIKE": {}, "SIMILAR": {}, "ESCAPE": {}, "BETWEEN": {}, "TRUE": {}, "FALSE": {},
	"CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {}, "END": {}, "EXISTS": {},
	"ANY": {}, "ALL": {}, "SOME": {}, "AS": {}, "DISTINCT": {}, "FROM": {},
	"INTERVAL": {}, "COLLATE": {}, "CURRENT_DATE": {}, "CURRENT_TIME": {},
	"CURRENT_TIMESTAMP": {}, "CURRENT_USER": {}, "SESSION_USER": {}, "LOCALTIMESTAMP": {},
}

// qualifyFilter prefixes the column names of a bound row-level filter with
// qualifier. Names inside a subquery of the filter are left alone.
func qualifyFilter(filter, qualifier string) (string, error) {
	tokens, err := lex(filter)
	if err != nil {
		return "", err
	}
	var (
		offsets  []int
		subquery []bool
	)
	inSubquery := func() bool {
		for _, v := range subquery {
			if v {
				return true
			}
		}
		return false
	}
	for k, tok := range tokens {
		switch {
		case tok.isPunct("("):
			subquery = append(subquery, k+1 < len(tokens) && (tokens[k+1].isWord("SELECT") || tokens[k+1].isWord("WITH")))
			continue
		case tok.isPunct(")"):
			if len(subquery) > 0 {
				subquery = subquery[:len(subquery)-1]
			}
			continue
		}
		if !tok.isIdent() || inSubquery() {
			continue
		}
		if _, ok := filterKeywords[tok.upper]; ok && tok.kind == tokWord {
			continue
		}
		if k > 0 {
			prev := tokens[k-1]
			if prev.isPunct(".") || prev.isWord("AS") || (prev.kind == tokOperator && prev.text == ":") {
				continue
			}
		}
		if k+1 < len(tokens) {
			next := tokens[k+1]
			if next.isPunct(".") || next.isPunct("(") || next.kind == tokString {
				continue
			}
		}
		offsets = append(offsets, tok.start)
	}
	for k := len(offsets) - 1; k >= 0; k-- {
		filter = filter[:offsets[k]] + qualifier + "." + filter[offsets[k]:]
	}
	return filter, nil
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
