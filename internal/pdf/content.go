package pdf

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// tjSpaceThreshold is the TJ kerning adjustment, in thousandths of an em, past which a
// gap is treated as a word break.
const tjSpaceThreshold = 200

// ContentStreamText returns the text shown by a page content stream. It interprets the
// text-showing operators (Tj, TJ, ' and ") and breaks lines on the positioning
// operators; graphics operators are ignored.
func ContentStreamText(stream string) string {
	var (
		out      strings.Builder
		operands []operand
	)
	lex := &lexer{src: stream}
	for {
		tok, ok := lex.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok.operand)
			continue
		}

		switch tok.text {
		case "Tj":
			writeLast(&out, operands)
		case "'", `"`:
			out.WriteByte('\n')
			writeLast(&out, operands)
		case "TJ":
			if n := len(operands); n > 0 && operands[n-1].array != nil {
				for _, el := range operands[n-1].array {
					if el.isNumber {
						if -el.number > tjSpaceThreshold {
							out.WriteByte(' ')
						}
						continue
					}
					out.WriteString(el.str)
				}
			}
		case "Td", "TD", "T*", "ET":
			out.WriteByte('\n')
		}
		operands = operands[:0]
	}
	return strings.TrimSpace(out.String())
}

func writeLast(out *strings.Builder, operands []operand) {
	if n := len(operands); n > 0 && operands[n-1].isString {
		out.WriteString(operands[n-1].str)
	}
}

type tokenKind int

const (
	tokOperand tokenKind = iota
	tokOperator
)

type operand struct {
	isString bool
	str      string
	isNumber bool
	number   float64
	array    []operand
}

type token struct {
	kind    tokenKind
	text    string
	operand operand
}

type lexer struct {
	src string
	pos int
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' && l.src[l.pos] != '\r' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) next() (token, bool) {
	l.skipSpaceAndComments()
	if l.pos >= len(l.src) {
		return token{}, false
	}

	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokOperand, operand: operand{isString: true, str: l.literalString()}}, true
	case c == '<' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '<':
		l.pos += 2
		l.skipDict()
		return token{kind: tokOperand}, true
	case c == '<':
		l.pos++
		return token{kind: tokOperand, operand: operand{isString: true, str: l.hexString()}}, true
	case c == '[':
		l.pos++
		return token{kind: tokOperand, operand: operand{array: l.array()}}, true
	case c == '/':
		l.pos++
		l.word()
		return token{kind: tokOperand}, true
	case c == ']' || c == ')' || c == '>' || c == '{' || c == '}':
		l.pos++
		return token{kind: tokOperand}, true
	}

	w := l.word()
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return token{kind: tokOperand, operand: operand{isNumber: true, number: f}}, true
	}
	if w == "BI" {
		l.skipInlineImage()
		return token{kind: tokOperator, text: "EI"}, true
	}
	return token{kind: tokOperator, text: w}, true
}

func (l *lexer) word() string {
	start := l.pos
	for l.pos < len(l.src) && !isSpace(l.src[l.pos]) && !isDelimiter(l.src[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		// A lone delimiter such as '%' handled elsewhere; consume it to make progress.
		l.pos++
	}
	return l.src[start:l.pos]
}

func (l *lexer) literalString() string {
	var sb strings.Builder
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return sb.String()
			}
			sb.WriteByte(c)
		case '\\':
			if l.pos >= len(l.src) {
				return sb.String()
			}
			e := l.src[l.pos]
			l.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// Line continuation.
				if e == '\r' && l.pos < len(l.src) && l.src[l.pos] == '\n' {
					l.pos++
				}
			case '0', '1', '2', '3', '4', '5', '6', '7':
				oct := string(e)
				for i := 0; i < 2 && l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '7'; i++ {
					oct += string(l.src[l.pos])
					l.pos++
				}
				v, _ := strconv.ParseUint(oct, 8, 8)
				sb.WriteByte(byte(v))
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func (l *lexer) hexString() string {
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] != '>' {
		l.pos++
	}
	digits := strings.Map(func(r rune) rune {
		if isSpace(byte(r)) {
			return -1
		}
		return r
	}, l.src[start:l.pos])
	l.pos++
	if len(digits)%2 == 1 {
		digits += "0"
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return ""
	}
	// Two-byte CIDs are commonly UTF-16BE when the font maps to Unicode directly.
	if len(b) >= 2 && len(b)%2 == 0 && b[0] == 0 {
		var sb strings.Builder
		for i := 0; i+1 < len(b); i += 2 {
			sb.WriteRune(rune(b[i])<<8 | rune(b[i+1]))
		}
		return sb.String()
	}
	return string(b)
}

func (l *lexer) array() []operand {
	var items []operand
	for {
		l.skipSpaceAndComments()
		if l.pos >= len(l.src) {
			return items
		}
		if l.src[l.pos] == ']' {
			l.pos++
			return items
		}
		tok, ok := l.next()
		if !ok {
			return items
		}
		if tok.kind == tokOperand && (tok.operand.isString || tok.operand.isNumber) {
			items = append(items, tok.operand)
		}
	}
}

func (l *lexer) skipDict() {
	depth := 1
	for l.pos+1 < len(l.src) && depth > 0 {
		switch {
		case l.src[l.pos] == '<' && l.src[l.pos+1] == '<':
			depth++
			l.pos += 2
		case l.src[l.pos] == '>' && l.src[l.pos+1] == '>':
			depth--
			l.pos += 2
		default:
			l.pos++
		}
	}
}

// skipInlineImage jumps past the binary data of a BI ... ID ... EI block.
func (l *lexer) skipInlineImage() {
	if i := strings.Index(l.src[l.pos:], " ID"); i >= 0 {
		l.pos += i + 3
	}
	if i := strings.Index(l.src[l.pos:], "EI"); i >= 0 {
		l.pos += i + 2
		return
	}
	l.pos = len(l.src)
}
