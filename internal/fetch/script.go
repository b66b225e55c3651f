package fetch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The evaluator understands just enough of a script to compute a cookie:
// string and number literals, variables, "+" concatenation, parentheses,
// String.fromCharCode and the charAt/slice/substr/substring/length accessors.
// Statements it cannot parse are skipped unless they assign document.cookie.

type tokenKind int

const (
	tokString tokenKind = iota
	tokNumber
	tokIdent
	tokPunct
	tokOther
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

const maxScriptTokens = 20000

func tokenize(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		if len(toks) > maxScriptTokens {
			return nil, errors.New("script too long")
		}
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || r == '"':
			s, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s})
			i = next
		case r >= '0' && r <= '9':
			j := i
			for j < len(runes) && (isIdentRune(runes[j]) || runes[j] == '.') {
				j++
			}
			text := string(runes[i:j])
			n, err := parseNumber(text)
			if err != nil {
				toks = append(toks, token{kind: tokOther, text: text})
			} else {
				toks = append(toks, token{kind: tokNumber, text: text, num: n})
			}
			i = j
		case isIdentStart(r):
			j := i
			for j < len(runes) && isIdentRune(runes[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(runes[i:j])})
			i = j
		case strings.ContainsRune("+=;(),.", r):
			toks = append(toks, token{kind: tokPunct, text: string(r)})
			i++
		default:
			toks = append(toks, token{kind: tokOther, text: string(r)})
			i++
		}
	}
	return toks, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var b strings.Builder
	for i := start + 1; i < len(runes); i++ {
		r := runes[i]
		if r == quote {
			return b.String(), i + 1, nil
		}
		if r != '\\' {
			b.WriteRune(r)
			continue
		}
		i++
		if i >= len(runes) {
			break
		}
		switch esc := runes[i]; esc {
		case 'n':
			b.WriteRune('\n')
		case 't':
			b.WriteRune('\t')
		case 'r':
			b.WriteRune('\r')
		case 'x', 'u':
			width := 2
			if esc == 'u' {
				width = 4
			}
			if i+width >= len(runes) {
				return "", 0, errors.New("truncated escape")
			}
			code, err := strconv.ParseUint(string(runes[i+1:i+1+width]), 16, 32)
			if err != nil {
				return "", 0, fmt.Errorf("bad escape: %w", err)
			}
			b.WriteRune(rune(code))
			i += width
		default:
			b.WriteRune(esc)
		}
	}
	return "", 0, errors.New("unterminated string")
}

func parseNumber(text string) (float64, error) {
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "0x") {
		n, err := strconv.ParseInt(lower[2:], 16, 64)
		return float64(n), err
	}
	return strconv.ParseFloat(text, 64)
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentRune(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

type value struct {
	str   string
	num   float64
	isNum bool
}

func (v value) String() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.str
}

func (v value) asInt() int {
	if v.isNum {
		return int(v.num)
	}
	n, _ := strconv.Atoi(strings.TrimSpace(v.str))
	return n
}

type evaluator struct {
	vars map[string]value
	toks []token
	pos  int
}

// evalCookieScript runs src statement by statement and returns the first value
// assigned to document.cookie.
func evalCookieScript(src string) (string, error) {
	toks, err := tokenize(src)
	if err != nil {
		return "", err
	}
	vars := make(map[string]value)
	for _, stmt := range splitStatements(toks) {
		target, isCookie := assignmentTarget(stmt)
		if target == "" {
			continue
		}
		ev := &evaluator{vars: vars, toks: stmt}
		v, err := ev.runAssignment()
		if err != nil {
			if isCookie {
				return "", fmt.Errorf("evaluate cookie: %w", err)
			}
			continue
		}
		if isCookie {
			return v.String(), nil
		}
	}
	return "", errors.New("no cookie assignment")
}

func splitStatements(toks []token) [][]token {
	var (
		out   [][]token
		start int
	)
	for i, t := range toks {
		if t.kind == tokPunct && t.text == ";" {
			if i > start {
				out = append(out, toks[start:i])
			}
			start = i + 1
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// assignmentTarget returns the dotted name a statement assigns to.
func assignmentTarget(stmt []token) (string, bool) {
	i := 0
	if len(stmt) > 0 && stmt[0].kind == tokIdent {
		switch stmt[0].text {
		case "var", "let", "const":
			i = 1
		}
	}
	var parts []string
	for ; i < len(stmt); i++ {
		t := stmt[i]
		switch {
		case t.kind == tokIdent && (len(parts) == 0 || stmt[i-1].text == "."):
			parts = append(parts, t.text)
		case t.kind == tokPunct && t.text == "." && len(parts) > 0:
		case t.kind == tokPunct && (t.text == "=" || t.text == "+") && len(parts) > 0:
			name := strings.Join(parts, ".")
			return name, name == "document.cookie"
		default:
			return "", false
		}
	}
	return "", false
}

func (e *evaluator) runAssignment() (value, error) {
	if e.peekIdent("var") || e.peekIdent("let") || e.peekIdent("const") {
		e.pos++
	}
	var parts []string
	for e.pos < len(e.toks) && !e.peekPunct("=") && !e.peekPunct("+") {
		if t := e.toks[e.pos]; t.kind == tokIdent {
			parts = append(parts, t.text)
		}
		e.pos++
	}
	appendOp := false
	if e.peekPunct("+") {
		appendOp = true
		e.pos++
	}
	if !e.consumePunct("=") {
		return value{}, errors.New("expected =")
	}
	v, err := e.expr()
	if err != nil {
		return value{}, err
	}
	if e.pos != len(e.toks) {
		return value{}, fmt.Errorf("unexpected token %q", e.toks[e.pos].text)
	}
	name := strings.Join(parts, ".")
	if appendOp {
		v = add(e.vars[name], v)
	}
	e.vars[name] = v
	return v, nil
}

func (e *evaluator) expr() (value, error) {
	left, err := e.postfix()
	if err != nil {
		return value{}, err
	}
	for e.peekPunct("+") {
		e.pos++
		right, err := e.postfix()
		if err != nil {
			return value{}, err
		}
		left = add(left, right)
	}
	return left, nil
}

func add(a, b value) value {
	if a.isNum && b.isNum {
		return value{num: a.num + b.num, isNum: true}
	}
	return value{str: a.String() + b.String()}
}

func (e *evaluator) postfix() (value, error) {
	v, err := e.primary()
	if err != nil {
		return value{}, err
	}
	for e.peekPunct(".") {
		e.pos++
		name, ok := e.ident()
		if !ok {
			return value{}, errors.New("expected member name")
		}
		if name == "length" {
			v = value{num: float64(len([]rune(v.String()))), isNum: true}
			continue
		}
		args, err := e.args()
		if err != nil {
			return value{}, err
		}
		v, err = callMethod(v.String(), name, args)
		if err != nil {
			return value{}, err
		}
	}
	return v, nil
}

func (e *evaluator) primary() (value, error) {
	if e.pos >= len(e.toks) {
		return value{}, errors.New("unexpected end of statement")
	}
	t := e.toks[e.pos]
	switch t.kind {
	case tokString:
		e.pos++
		return value{str: t.text}, nil
	case tokNumber:
		e.pos++
		return value{num: t.num, isNum: true}, nil
	case tokPunct:
		if t.text != "(" {
			break
		}
		e.pos++
		v, err := e.expr()
		if err != nil {
			return value{}, err
		}
		if !e.consumePunct(")") {
			return value{}, errors.New("expected )")
		}
		return v, nil
	case tokIdent:
		e.pos++
		if t.text == "String" && e.peekPunct(".") {
			e.pos++
			if name, ok := e.ident(); !ok || name != "fromCharCode" {
				return value{}, fmt.Errorf("unsupported String.%s", name)
			}
			args, err := e.args()
			if err != nil {
				return value{}, err
			}
			var b strings.Builder
			for _, a := range args {
				b.WriteRune(rune(a.asInt()))
			}
			return value{str: b.String()}, nil
		}
		v, ok := e.vars[t.text]
		if !ok {
			return value{}, fmt.Errorf("undefined variable %q", t.text)
		}
		return v, nil
	}
	return value{}, fmt.Errorf("unsupported token %q", t.text)
}

func (e *evaluator) args() ([]value, error) {
	if !e.consumePunct("(") {
		return nil, errors.New("expected (")
	}
	var out []value
	if e.consumePunct(")") {
		return out, nil
	}
	for {
		v, err := e.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if e.consumePunct(")") {
			return out, nil
		}
		if !e.consumePunct(",") {
			return nil, errors.New("expected , or )")
		}
	}
}

func callMethod(s, name string, args []value) (value, error) {
	r := []rune(s)
	arg := func(i, def int) int {
		if i < len(args) {
			return args[i].asInt()
		}
		return def
	}
	switch name {
	case "charAt":
		i := arg(0, 0)
		if i < 0 || i >= len(r) {
			return value{}, nil
		}
		return value{str: string(r[i])}, nil
	case "slice":
		start, end := relIndex(arg(0, 0), len(r)), relIndex(arg(1, len(r)), len(r))
		if start >= end {
			return value{}, nil
		}
		return value{str: string(r[start:end])}, nil
	case "substr":
		start := relIndex(arg(0, 0), len(r))
		end := clamp(start+arg(1, len(r)-start), 0, len(r))
		if start >= end {
			return value{}, nil
		}
		return value{str: string(r[start:end])}, nil
	case "substring":
		start, end := clamp(arg(0, 0), 0, len(r)), clamp(arg(1, len(r)), 0, len(r))
		if start > end {
			start, end = end, start
		}
		return value{str: string(r[start:end])}, nil
	case "toString":
		return value{str: s}, nil
	}
	return value{}, fmt.Errorf("unsupported method %q", name)
}

func relIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	return clamp(i, 0, n)
}

func clamp(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

func (e *evaluator) ident() (string, bool) {
	if e.pos < len(e.toks) && e.toks[e.pos].kind == tokIdent {
		e.pos++
		return e.toks[e.pos-1].text, true
	}
	return "", false
}

func (e *evaluator) peekIdent(name string) bool {
	return e.pos < len(e.toks) && e.toks[e.pos].kind == tokIdent && e.toks[e.pos].text == name
}

func (e *evaluator) peekPunct(p string) bool {
	return e.pos < len(e.toks) && e.toks[e.pos].kind == tokPunct && e.toks[e.pos].text == p
}

func (e *evaluator) consumePunct(p string) bool {
	if e.peekPunct(p) {
		e.pos++
		return true
	}
	return false
}
