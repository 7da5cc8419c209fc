package llama

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVocabLayout(t *testing.T) {
	v := NewVocab([]string{"hello", " world", "hello", ""}, true)

	if got, want := v.NumVocab(), 2+256+2; got != want {
		t.Fatalf("NumVocab() = %d, want %d", got, want)
	}

	if v.BOS() != 0 || v.EOS() != 1 {
		t.Errorf("unexpected specials bos=%d eos=%d", v.BOS(), v.EOS())
	}

	if !v.TokenIsEog(v.EOS()) || v.TokenIsEog(v.BOS()) {
		t.Error("only EOS should end generation")
	}

	if got := v.TokenType(2 + 'A'); got != TokenTypeByte {
		t.Errorf("TokenType(byte) = %v", got)
	}

	if got := v.TokenToPiece(2 + 'A'); got != "A" {
		t.Errorf("TokenToPiece(byte A) = %q", got)
	}
}

func TestTokenize(t *testing.T) {
	v := NewVocab([]string{"Write", " HELLO", "\n", "HELLO", "HEL"}, true)
	hello := v.ids["HELLO"]

	cases := []struct {
		name         string
		text         string
		addSpecial   bool
		parseSpecial bool
		want         []Token
	}{
		{
			name: "longest match",
			text: "Write HELLO\nHELLO\n",
			want: []Token{v.ids["Write"], v.ids[" HELLO"], v.ids["\n"], hello, v.ids["\n"]},
		},
		{
			name:       "bos",
			text:       "HELLO",
			addSpecial: true,
			want:       []Token{v.BOS(), hello},
		},
		{
			name: "byte fallback",
			text: "HEx",
			want: []Token{v.bytes['H'], v.bytes['E'], v.bytes['x']},
		},
		{
			name:         "special text",
			text:         "HELLO</s>",
			parseSpecial: true,
			want:         []Token{hello, v.EOS()},
		},
		{
			name: "special text as bytes",
			text: "</s>",
			want: []Token{v.bytes['<'], v.bytes['/'], v.bytes['s'], v.bytes['>']},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Tokenize(tt.text, tt.addSpecial, tt.parseSpecial)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Tokenize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTokenizeRoundTrip(t *testing.T) {
	v := NewVocab([]string{"the", " cat", " sat", "é", "世界"}, true)

	cases := []string{
		"",
		"the cat sat",
		"Write HELLO\nHELLO\n",
		"café au lait",
		"こんにちは世界",
		"emoji 🦙🚀 and flags 🇫🇷",
		"tabs\tand\r\nnewlines",
		"\x00\xff invalid utf-8 \xc3",
	}

	for _, s := range cases {
		tokens, err := v.Tokenize(s, true, false)
		if err != nil {
			t.Fatal(err)
		}

		if got := v.Detokenize(tokens, true, false); got != s {
			t.Errorf("round trip of %q: got %q", s, got)
		}
	}
}

func TestDetokenizeSpecial(t *testing.T) {
	v := NewVocab([]string{"HELLO"}, true)
	tokens := []Token{v.BOS(), v.ids["HELLO"], v.EOS()}

	if got := v.Detokenize(tokens, false, false); got != "HELLO" {
		t.Errorf("Detokenize() = %q", got)
	}

	if got := v.Detokenize(tokens, false, true); got != "<s>HELLO</s>" {
		t.Errorf("Detokenize(unparse) = %q", got)
	}

	if got := v.Detokenize(tokens, true, true); got != "HELLO" {
		t.Errorf("Detokenize(remove, unparse) = %q", got)
	}
}

func TestNewVocabInvalid(t *testing.T) {
	if _, err := newVocab([]string{"<s>", "</s>"}, []TokenType{TokenTypeControl, TokenTypeControl}, 0, 1, false); err == nil {
		t.Error("expected an error for a vocabulary without byte tokens")
	}

	if _, err := newVocab([]string{"a"}, nil, 0, 0, false); err == nil {
		t.Error("expected an error for mismatched types")
	}
}
