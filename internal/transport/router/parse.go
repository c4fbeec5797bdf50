package router

import "strings"

// tokenize splits command text on whitespace. Quotes group words so a label
// may contain spaces:
//
//	!setchannel "New York" 123 America/New_York
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		quote bool // current token had quotes, so keep it even if empty
	)
	flush := func() {
		if buf.Len() > 0 || quote {
			out = append(out, buf.String())
			buf.Reset()
		}
		quote = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
			quote = true
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseCommand strips prefix and returns the lower-cased command name and its args.
// ok is false when text is not a command.
func parseCommand(text, prefix string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	toks := tokenize(text[len(prefix):])
	if len(toks) == 0 {
		return "", nil, false
	}
	return strings.ToLower(toks[0]), toks[1:], true
}
