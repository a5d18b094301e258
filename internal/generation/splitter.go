package generation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinRunes is the shortest piece emitted before the end of a reply.
const DefaultMinRunes = 6

// maxMarkerRunes bounds how far a '[' is held back waiting for its ']'.
const maxMarkerRunes = 24

// maxParentheticalRunes bounds how far a piece is held back waiting for the
// close of a stage direction that follows it.
const maxParentheticalRunes = 40

// Style is the expression and tone attached to an utterance.
type Style struct {
	Expression string `json:"expression"`
	Tone       string `json:"tone"`
}

// DefaultStyle applies until the model writes a marker.
var DefaultStyle = Style{Expression: "normal", Tone: "normal"}

// Segment is one piece of reply text cut by the Splitter.
type Segment struct {
	Text   string
	Speech string
	Style  Style
}

var parenthetical = regexp.MustCompile(`（.*?）|\(.*?\)`)

// SpeechText drops stage directions in parentheses, which are shown but not
// spoken.
func SpeechText(text string) string {
	return strings.TrimSpace(parenthetical.ReplaceAllString(text, ""))
}

// Splitter cuts streamed text into sentence-sized segments. Add may be
// called with arbitrary fragments; Flush returns whatever remains.
//
// A piece ends after "...", "…" or one of 。，！？~,!?；; and newline, with
// the punctuation kept on the piece. Pieces shorter than MinRunes merge with
// the next one. A parenthetical directly after a piece belongs to it. An
// inline [expression|tone] marker ends the current piece and sets the style
// for the following ones.
type Splitter struct {
	MinRunes int

	buf   []rune
	style Style
}

func NewSplitter(minRunes int) *Splitter {
	if minRunes <= 0 {
		minRunes = DefaultMinRunes
	}
	return &Splitter{MinRunes: minRunes, style: DefaultStyle}
}

// Style returns the style that applies to the next segment.
func (s *Splitter) Style() Style {
	return s.style
}

// Add appends text and returns the segments it completed.
func (s *Splitter) Add(text string) []Segment {
	s.buf = append(s.buf, []rune(text)...)
	return s.drain(false)
}

// Flush returns the remaining text as final segments.
func (s *Splitter) Flush() []Segment {
	out := s.drain(true)
	if seg, ok := s.segment(s.buf); ok {
		out = append(out, seg)
	}
	s.buf = nil
	return out
}

func (s *Splitter) drain(final bool) []Segment {
	var out []Segment
	for {
		seg, n, ok := s.next(final)
		if !ok {
			return out
		}
		s.buf = s.buf[n:]
		if seg != nil {
			out = append(out, *seg)
		}
	}
}

// next finds the first complete piece in the buffer. It reports the segment
// (nil when the piece was only a marker), how many runes it consumed, and
// false when more input is needed.
func (s *Splitter) next(final bool) (*Segment, int, bool) {
	buf := s.buf
	for i := 0; i < len(buf); i++ {
		r := buf[i]

		if r == '[' {
			end := closingBracket(buf, i)
			if end == -1 && !final {
				return nil, 0, false
			}
			if end < 0 {
				continue
			}
			style, ok := parseMarker(string(buf[i+1:end]), s.style)
			if !ok {
				continue
			}
			var out *Segment
			if seg, ok := s.segment(buf[:i]); ok {
				out = &seg
			}
			s.style = style
			return out, end + 1, true
		}

		end, pending := boundaryEnd(buf, i, final)
		if pending {
			return nil, 0, false
		}
		if end < 0 {
			continue
		}
		if end == len(buf) && !final {
			// Wait to see whether more punctuation or a parenthetical follows.
			return nil, 0, false
		}
		if visibleRunes(buf[:end]) < s.MinRunes {
			i = end - 1
			continue
		}

		end, pending = attachParenthetical(buf, end, final)
		if pending {
			return nil, 0, false
		}
		if seg, ok := s.segment(buf[:end]); ok {
			return &seg, end, true
		}
		return nil, end, true
	}
	return nil, 0, false
}

func (s *Splitter) segment(piece []rune) (Segment, bool) {
	text := strings.TrimSpace(string(piece))
	if text == "" {
		return Segment{}, false
	}
	return Segment{Text: text, Speech: SpeechText(text), Style: s.style}, true
}

func isBoundary(r rune) bool {
	switch r {
	case '。', '，', '！', '？', '~', '～', ',', '!', '?', '；', ';', '\n', '…':
		return true
	}
	return false
}

func isClosingQuote(r rune) bool {
	switch r {
	case '”', '’', '」', '』', '"', '\'':
		return true
	}
	return false
}

// boundaryEnd reports where the piece ending at buf[i] stops, or -1 when
// buf[i] does not end a piece. pending is true when a run of dots at the
// end of the buffer may still grow into "...".
func boundaryEnd(buf []rune, i int, final bool) (end int, pending bool) {
	switch {
	case buf[i] == '.':
		j := i
		for j < len(buf) && buf[j] == '.' {
			j++
		}
		if j-i < 3 {
			if j == len(buf) && !final {
				return -1, true
			}
			return -1, false
		}
		i = j - 1
	case !isBoundary(buf[i]):
		return -1, false
	}

	j := i + 1
	for j < len(buf) && (isBoundary(buf[j]) || buf[j] == '.' || isClosingQuote(buf[j])) {
		j++
	}
	return j, false
}

// attachParenthetical extends a piece ending at end over a directly
// following （...） or (...) and any punctuation after it.
func attachParenthetical(buf []rune, end int, final bool) (int, bool) {
	k := end
	for k < len(buf) && unicode.IsSpace(buf[k]) && buf[k] != '\n' {
		k++
	}
	if k == len(buf) {
		return end, !final
	}
	if buf[k] != '（' && buf[k] != '(' {
		return end, false
	}
	for j := k + 1; j < len(buf); j++ {
		if j-k > maxParentheticalRunes {
			return end, false
		}
		if buf[j] == '）' || buf[j] == ')' {
			j++
			for j < len(buf) && (isBoundary(buf[j]) || isClosingQuote(buf[j])) && buf[j] != '\n' {
				j++
			}
			if j == len(buf) && !final {
				return end, true
			}
			return j, false
		}
	}
	if len(buf)-k > maxParentheticalRunes {
		return end, false
	}
	if final {
		return len(buf), false
	}
	return end, true
}

// closingBracket returns the index of the ']' closing buf[open], -1 when it
// may still arrive, or -2 when buf[open] cannot start a marker.
func closingBracket(buf []rune, open int) int {
	for j := open + 1; j < len(buf); j++ {
		if j-open > maxMarkerRunes {
			return -2
		}
		switch buf[j] {
		case ']':
			return j
		case '[', '\n':
			return -2
		}
	}
	return -1
}

// parseMarker reads "expression|tone". Either half may be empty, which keeps
// the current value.
func parseMarker(body string, current Style) (Style, bool) {
	expr, tone, ok := strings.Cut(body, "|")
	if !ok {
		return Style{}, false
	}
	style := current
	if e := strings.TrimSpace(expr); e != "" {
		style.Expression = e
	}
	if t := strings.TrimSpace(tone); t != "" {
		style.Tone = t
	}
	return style, true
}

func visibleRunes(piece []rune) int {
	return utf8.RuneCountInString(strings.TrimSpace(string(piece)))
}
