package conversation

import (
	"strings"

	"github.com/MrWong99/voxline/pkg/transport"
)

// Turn is one completed exchange: what the user said and what the model
// replied. Either side may be empty, but never both.
type Turn struct {
	UserText  string
	ModelText string
}

// TranscriptAggregator accumulates incremental transcript fragments for the
// current turn, one buffer per speaker.
//
// Fragments are concatenated verbatim in arrival order; the service is
// responsible for spacing. The zero value is ready to use. It is not safe for
// concurrent use; the session drives it from its event goroutine.
type TranscriptAggregator struct {
	user  strings.Builder
	model strings.Builder
}

// Append adds fragment to role's buffer and returns the buffer's contents so
// far, suitable for live captioning. Empty fragments are ignored.
func (a *TranscriptAggregator) Append(role transport.Role, fragment string) string {
	b := a.buffer(role)
	if fragment != "" {
		b.WriteString(fragment)
	}
	return b.String()
}

// Complete snapshots both buffers and clears them. It returns false, and
// leaves nothing to report, when both buffers are empty.
func (a *TranscriptAggregator) Complete() (Turn, bool) {
	t := Turn{UserText: a.user.String(), ModelText: a.model.String()}
	a.Reset()
	if t.UserText == "" && t.ModelText == "" {
		return Turn{}, false
	}
	return t, true
}

// Reset discards both buffers.
func (a *TranscriptAggregator) Reset() {
	a.user.Reset()
	a.model.Reset()
}

func (a *TranscriptAggregator) buffer(role transport.Role) *strings.Builder {
	if role == transport.RoleUser {
		return &a.user
	}
	return &a.model
}
