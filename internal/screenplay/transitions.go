package screenplay

import "strings"

// NextType is the type given to a new block created by pressing Enter at the
// end of a block of type t.
func NextType(t BlockType) BlockType {
	switch t {
	case SceneHeading:
		return Action
	case Action:
		return Action
	case Character:
		return Dialogue
	case Parenthetical:
		return Dialogue
	case Dialogue:
		return Action
	case Transition:
		return SceneHeading
	case Shot:
		return Action
	default:
		return Action
	}
}

// CycleType steps through AllBlockTypes, forward for Tab and backward for Shift-Tab.
func CycleType(t BlockType, reverse bool) BlockType {
	if reverse {
		switch t {
		case SceneHeading:
			return Shot
		case Action:
			return SceneHeading
		case Character:
			return Action
		case Dialogue:
			return Character
		case Parenthetical:
			return Dialogue
		case Transition:
			return Parenthetical
		case Shot:
			return Transition
		default:
			return Action
		}
	}
	switch t {
	case SceneHeading:
		return Action
	case Action:
		return Character
	case Character:
		return Dialogue
	case Dialogue:
		return Parenthetical
	case Parenthetical:
		return Transition
	case Transition:
		return Shot
	case Shot:
		return SceneHeading
	default:
		return Action
	}
}

var sceneHeadingPrefixes = []string{"INT./EXT.", "INT/EXT.", "I/E.", "INT.", "EXT.", "EST."}

var transitionLines = []string{"CUT TO:", "FADE IN:", "FADE OUT.", "FADE TO BLACK.", "DISSOLVE TO:", "SMASH CUT TO:", "MATCH CUT TO:"}

// DetectType applies the auto-format rules typed text triggers: scene heading
// prefixes and standard transitions. ok is false when no rule matches.
func DetectType(text string) (BlockType, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(text))
	if trimmed == "" {
		return "", false
	}
	for _, prefix := range sceneHeadingPrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ") {
			return SceneHeading, true
		}
	}
	for _, line := range transitionLines {
		if trimmed == line {
			return Transition, true
		}
	}
	return "", false
}
