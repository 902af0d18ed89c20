package export

import (
	"fmt"
	"html"
	"strings"

	"ghostwriter/api/internal/bridge"
	"ghostwriter/api/internal/screenplay"
)

// DocumentToHTML renders an editor document as screenplay-formatted HTML.
// Each block becomes a paragraph whose class is its block type.
func DocumentToHTML(doc bridge.Document) string {
	var out strings.Builder
	for _, node := range doc.Content {
		out.WriteString(renderBlock(node))
	}
	return out.String()
}

func renderBlock(node bridge.Node) string {
	blockType, _ := node.Attrs["type"].(string)
	if blockType == "" {
		blockType = node.Type
	}
	if _, err := screenplay.ParseBlockType(blockType); err != nil {
		return renderInline(node.Content)
	}

	text := renderInline(node.Content)
	switch screenplay.BlockType(blockType) {
	case screenplay.SceneHeading:
		if n, ok := node.Attrs["sceneNumber"]; ok {
			number := html.EscapeString(fmt.Sprint(n))
			return fmt.Sprintf("<p class=\"sceneHeading\"><span class=\"sceneNumber\">%s</span>%s</p>\n", number, text)
		}
	case screenplay.Parenthetical:
		plain := bridge.TextContent(node)
		if !strings.HasPrefix(plain, "(") {
			text = "(" + text + ")"
		}
	}
	return fmt.Sprintf("<p class=\"%s\">%s</p>\n", blockType, text)
}

func renderInline(nodes []bridge.Node) string {
	var out strings.Builder
	for _, child := range nodes {
		switch child.Type {
		case bridge.TextType:
			out.WriteString(renderTextWithMarks(child.Text, child.Marks))
		case "hardBreak":
			out.WriteString("<br>")
		default:
			out.WriteString(renderInline(child.Content))
		}
	}
	return out.String()
}

func renderTextWithMarks(text string, marks []bridge.Mark) string {
	if text == "" {
		return ""
	}
	htmlText := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "underline":
			htmlText = fmt.Sprintf("<u>%s</u>", htmlText)
		case "strike":
			htmlText = fmt.Sprintf("<s>%s</s>", htmlText)
		}
	}
	return htmlText
}
