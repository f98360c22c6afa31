package telegram

import (
	"regexp"
	"strings"
)

var (
	codeSegmentPattern = regexp.MustCompile("(```[\\w]*\\n?[\\s\\S]*?```|`[^`]+`)")
	fenceOpenPattern   = regexp.MustCompile("^```[\\w]*\\n?")
	headingPattern     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkPattern        = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	boldPattern        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	bulletPattern      = regexp.MustCompile(`(?m)^[-*]\s+`)
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// MarkdownToHTML rewrites common markdown into the HTML subset accepted by the
// Telegram Bot API. Code spans and fenced blocks are escaped verbatim so that
// markdown characters inside them are never interpreted.
func MarkdownToHTML(text string) string {
	if text == "" {
		return ""
	}

	var out strings.Builder
	out.Grow(len(text) + len(text)/4)

	last := 0
	for _, loc := range codeSegmentPattern.FindAllStringIndex(text, -1) {
		out.WriteString(convertProse(text[last:loc[0]]))

		segment := text[loc[0]:loc[1]]
		if strings.HasPrefix(segment, "```") {
			out.WriteString(convertFence(segment))
		} else {
			out.WriteString("<code>")
			out.WriteString(htmlEscaper.Replace(segment[1 : len(segment)-1]))
			out.WriteString("</code>")
		}

		last = loc[1]
	}
	out.WriteString(convertProse(text[last:]))

	return out.String()
}

func convertFence(segment string) string {
	body := fenceOpenPattern.ReplaceAllString(segment, "")
	body = strings.TrimSuffix(body, "```")

	return "<pre><code>" + htmlEscaper.Replace(body) + "</code></pre>"
}

func convertProse(text string) string {
	if text == "" {
		return ""
	}

	text = htmlEscaper.Replace(text)
	text = headingPattern.ReplaceAllString(text, "${1}")
	text = linkPattern.ReplaceAllString(text, `<a href="${2}">${1}</a>`)
	text = boldPattern.ReplaceAllString(text, "<b>${1}</b>")
	text = italicize(text)
	text = bulletPattern.ReplaceAllString(text, "• ")

	return text
}

// italicize wraps _text_ in <i> unless either underscore touches an
// alphanumeric character, which leaves snake_case identifiers alone. Tags
// emitted by earlier rules are copied through untouched so link targets keep
// their underscores.
func italicize(text string) string {
	if !strings.Contains(text, "_") {
		return text
	}

	var out strings.Builder
	out.Grow(len(text))

	i := 0
	for i < len(text) {
		if text[i] == '<' {
			tagEnd := skipTag(text, i)
			out.WriteString(text[i:tagEnd])
			i = tagEnd
			continue
		}
		if text[i] != '_' || (i > 0 && isAlnum(text[i-1])) {
			out.WriteByte(text[i])
			i++
			continue
		}

		j := nextUnderscore(text, i+1)
		if j <= i+1 || (j+1 < len(text) && isAlnum(text[j+1])) {
			out.WriteByte(text[i])
			i++
			continue
		}

		out.WriteString("<i>")
		out.WriteString(text[i+1 : j])
		out.WriteString("</i>")
		i = j + 1
	}

	return out.String()
}

// nextUnderscore returns the index of the next underscore at or after from
// that is outside a tag, or -1.
func nextUnderscore(text string, from int) int {
	for k := from; k < len(text); {
		switch text[k] {
		case '_':
			return k
		case '<':
			k = skipTag(text, k)
		default:
			k++
		}
	}
	return -1
}

// skipTag returns the index just past the tag starting at i. Prose is escaped
// before any rule runs, so every '<' left in it opens a generated tag.
func skipTag(text string, i int) int {
	end := strings.IndexByte(text[i:], '>')
	if end < 0 {
		return len(text)
	}
	return i + end + 1
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
