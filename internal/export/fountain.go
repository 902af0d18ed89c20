package export

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"ghostwriter/api/internal/screenplay"
)

// Fountain renders blocks (already in document order) as a Fountain
// screenplay. Elements that would otherwise be misread get Fountain's
// forcing characters.
func Fountain(title, author string, blocks []screenplay.Block) []byte {
	var buf bytes.Buffer
	if title != "" {
		fmt.Fprintf(&buf, "Title: %s\n", oneLine(title))
	}
	if author != "" {
		fmt.Fprintf(&buf, "Author: %s\n", oneLine(author))
	}
	if buf.Len() > 0 {
		buf.WriteString("\n")
	}

	var prev screenplay.BlockType
	for i, block := range blocks {
		if i > 0 && !continuesDialogue(prev, block.Type) {
			buf.WriteString("\n")
		}
		buf.WriteString(fountainLine(block))
		buf.WriteString("\n")
		prev = block.Type
	}
	return buf.Bytes()
}

func continuesDialogue(prev, next screenplay.BlockType) bool {
	switch prev {
	case screenplay.Character, screenplay.Parenthetical:
		return next == screenplay.Dialogue || next == screenplay.Parenthetical
	case screenplay.Dialogue:
		return next == screenplay.Parenthetical
	default:
		return false
	}
}

func fountainLine(block screenplay.Block) string {
	text := strings.TrimSpace(block.Content)
	switch block.Type {
	case screenplay.SceneHeading:
		line := strings.ToUpper(oneLine(text))
		if !hasSceneHeadingPrefix(line) {
			line = "." + line
		}
		if md := block.Metadata; md != nil && md.SceneNumber != nil {
			line = fmt.Sprintf("%s #%d#", line, *md.SceneNumber)
		}
		return line
	case screenplay.Character:
		name := oneLine(text)
		if md := block.Metadata; name == "" && md != nil && md.CharacterName != nil {
			name = *md.CharacterName
		}
		if !isUpper(name) {
			return "@" + name
		}
		return name
	case screenplay.Parenthetical:
		inner := strings.TrimSuffix(strings.TrimPrefix(oneLine(text), "("), ")")
		return "(" + inner + ")"
	case screenplay.Dialogue:
		return text
	case screenplay.Transition:
		line := strings.ToUpper(oneLine(text))
		if !strings.HasSuffix(line, "TO:") {
			line = "> " + line
		}
		return line
	case screenplay.Shot:
		return strings.ToUpper(oneLine(text))
	default:
		if looksLikeHeading(text) {
			return "!" + text
		}
		return text
	}
}

func hasSceneHeadingPrefix(line string) bool {
	bt, ok := screenplay.DetectType(line)
	return ok && bt == screenplay.SceneHeading
}

// looksLikeHeading reports whether an action line would be parsed as a scene
// heading or character cue.
func looksLikeHeading(text string) bool {
	if text == "" {
		return false
	}
	if hasSceneHeadingPrefix(text) {
		return true
	}
	return !strings.Contains(text, "\n") && isUpper(text) && strings.IndexFunc(text, unicode.IsLetter) >= 0
}

func isUpper(s string) bool {
	return s == strings.ToUpper(s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
