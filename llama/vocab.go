package llama

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

type TokenType int32

const (
	TokenTypeUndefined TokenType = iota
	TokenTypeNormal
	TokenTypeUnknown
	TokenTypeControl
	TokenTypeUserDefined
	TokenTypeUnused
	TokenTypeByte
)

const (
	pieceBOS = "<s>"
	pieceEOS = "</s>"
)

// Vocab maps text to tokens with greedy longest match over its pieces, and
// falls back to one token per byte, so any byte string has an encoding.
type Vocab struct {
	pieces []string
	types  []TokenType

	bos, eos Token
	addBOS   bool

	ids     map[string]Token
	special map[string]Token
	bytes   [256]Token
	maxLen  int
}

// NewVocab lays out the control tokens, then the 256 byte tokens, then the
// given pieces. Empty and duplicate pieces are skipped.
func NewVocab(pieces []string, addBOS bool) *Vocab {
	all := make([]string, 0, 2+256+len(pieces))
	types := make([]TokenType, 0, cap(all))

	all = append(all, pieceBOS, pieceEOS)
	types = append(types, TokenTypeControl, TokenTypeControl)

	for b := range 256 {
		all = append(all, bytePiece(byte(b)))
		types = append(types, TokenTypeByte)
	}

	seen := make(map[string]bool, len(pieces))
	for _, p := range pieces {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		all = append(all, p)
		types = append(types, TokenTypeNormal)
	}

	v, err := newVocab(all, types, 0, 1, addBOS)
	if err != nil {
		// the layout above is always valid
		panic(err)
	}
	return v
}

func newVocab(pieces []string, types []TokenType, bos, eos Token, addBOS bool) (*Vocab, error) {
	if len(pieces) != len(types) {
		return nil, fmt.Errorf("vocabulary has %d pieces but %d types", len(pieces), len(types))
	}

	v := &Vocab{
		pieces:  pieces,
		types:   types,
		bos:     bos,
		eos:     eos,
		addBOS:  addBOS,
		ids:     make(map[string]Token, len(pieces)),
		special: make(map[string]Token),
	}

	for i := range v.bytes {
		v.bytes[i] = -1
	}

	for i, p := range pieces {
		id := Token(i)
		switch types[i] {
		case TokenTypeByte:
			b, err := parseBytePiece(p)
			if err != nil {
				return nil, err
			}
			v.bytes[b] = id
		case TokenTypeControl, TokenTypeUserDefined:
			v.special[p] = id
		default:
			if _, ok := v.ids[p]; !ok {
				v.ids[p] = id
			}
			v.maxLen = max(v.maxLen, len(p))
		}
	}

	for b, id := range v.bytes {
		if id < 0 {
			return nil, fmt.Errorf("vocabulary has no token for byte 0x%02X", b)
		}
	}

	if !v.valid(bos) || !v.valid(eos) {
		return nil, fmt.Errorf("invalid special tokens bos=%d eos=%d", bos, eos)
	}

	return v, nil
}

func bytePiece(b byte) string {
	return fmt.Sprintf("<0x%02X>", b)
}

func parseBytePiece(s string) (byte, error) {
	if !strings.HasPrefix(s, "<0x") || !strings.HasSuffix(s, ">") {
		return 0, fmt.Errorf("invalid byte piece %q", s)
	}

	n, err := strconv.ParseUint(s[3:len(s)-1], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte piece %q: %w", s, err)
	}
	return byte(n), nil
}

func (v *Vocab) valid(t Token) bool {
	return t >= 0 && int(t) < len(v.pieces)
}

func (v *Vocab) NumVocab() int {
	return len(v.pieces)
}

func (v *Vocab) BOS() Token { return v.bos }
func (v *Vocab) EOS() Token { return v.eos }

func (v *Vocab) AddBOS() bool { return v.addBOS }

// TokenIsEog reports whether t ends generation.
func (v *Vocab) TokenIsEog(t Token) bool {
	return t == v.eos
}

func (v *Vocab) TokenType(t Token) TokenType {
	if !v.valid(t) {
		return TokenTypeUndefined
	}
	return v.types[t]
}

// Tokenize encodes text. With addSpecial the BOS token is prepended when the
// vocabulary asks for it; with parseSpecial the text of control tokens is
// recognized instead of being encoded as plain text.
func (v *Vocab) Tokenize(text string, addSpecial, parseSpecial bool) ([]Token, error) {
	tokens := make([]Token, 0, len(text)/2+2)
	if addSpecial && v.addBOS {
		tokens = append(tokens, v.bos)
	}

	for i := 0; i < len(text); {
		if parseSpecial {
			if id, n := v.matchSpecial(text[i:]); n > 0 {
				tokens = append(tokens, id)
				i += n
				continue
			}
		}

		if id, n := v.matchPiece(text[i:]); n > 0 {
			tokens = append(tokens, id)
			i += n
			continue
		}

		tokens = append(tokens, v.bytes[text[i]])
		i++
	}

	return tokens, nil
}

func (v *Vocab) matchSpecial(s string) (Token, int) {
	var best Token
	var n int
	for p, id := range v.special {
		if len(p) > n && strings.HasPrefix(s, p) {
			best, n = id, len(p)
		}
	}
	return best, n
}

func (v *Vocab) matchPiece(s string) (Token, int) {
	for n := min(v.maxLen, len(s)); n > 0; n-- {
		if id, ok := v.ids[s[:n]]; ok {
			return id, n
		}
	}
	return 0, 0
}

// TokenToPiece returns the bytes a token stands for. Control tokens render as
// nothing.
func (v *Vocab) TokenToPiece(t Token) string {
	if !v.valid(t) {
		slog.Warn("token out of vocabulary range", "token", t, "vocab", len(v.pieces))
		return ""
	}

	switch v.types[t] {
	case TokenTypeByte:
		b, _ := parseBytePiece(v.pieces[t])
		return string([]byte{b})
	case TokenTypeControl:
		return ""
	default:
		return v.pieces[t]
	}
}

// Detokenize is the inverse of Tokenize. removeSpecial drops a leading BOS
// and a trailing EOS; unparseSpecial renders control tokens as their text.
func (v *Vocab) Detokenize(tokens []Token, removeSpecial, unparseSpecial bool) string {
	if removeSpecial {
		if len(tokens) > 0 && tokens[0] == v.bos {
			tokens = tokens[1:]
		}
		if len(tokens) > 0 && tokens[len(tokens)-1] == v.eos {
			tokens = tokens[:len(tokens)-1]
		}
	}

	var sb strings.Builder
	for _, t := range tokens {
		if unparseSpecial && v.TokenType(t) == TokenTypeControl {
			sb.WriteString(v.pieces[t])
			continue
		}
		sb.WriteString(v.TokenToPiece(t))
	}
	return sb.String()
}
