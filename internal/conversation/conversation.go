package conversation

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type WindowKind int

const (
	WindowChat WindowKind = iota
	WindowFile
)

const (
	ChatWindowSize = 10
	FileWindowSize = 5
)

func (k WindowKind) Size() int {
	if k == WindowFile {
		return FileWindowSize
	}
	return ChatWindowSize
}

// History keeps every turn of an interactive session. Only a bounded tail is
// ever sent to a provider. It is not safe for concurrent use.
type History struct {
	turns []Turn
}

func New() *History {
	return &History{}
}

func (h *History) Append(turn Turn) {
	h.turns = append(h.turns, turn)
}

// Window returns a copy of the most recent turns for kind, oldest first.
func (h *History) Window(kind WindowKind) []Turn {
	n := kind.Size()
	start := len(h.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

func (h *History) All() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	return len(h.turns)
}

func (h *History) Clear() {
	h.turns = nil
}
