package session

// nextDialogueID returns the id for the next appended turn.
func (v *Value) nextDialogueID() int {
	return len(v.Dialogue) + 1
}

// AppendDialogue appends a turn, assigning its id (and ids for grouped
// children).
func (v *Value) AppendDialogue(turn Dialogue) {
	turn.ID = v.nextDialogueID()
	for i := range turn.Group {
		turn.Group[i].ID = i + 1
	}
	v.Dialogue = append(v.Dialogue, turn)
	if turn.ContentType == ContentUser {
		v.Stats.TotalUserMessages++
	}
}

// NewTextTurn builds an unnumbered text turn; the id is assigned on append.
func NewTextTurn(contentType ContentType, isUser bool, content string) Dialogue {
	return Dialogue{
		ContentType: contentType,
		IsUser:      isUser,
		Content:     content,
	}
}

// NewGroupLogTurn builds a grouped-log turn from coalesced output lines.
func NewGroupLogTurn(lines []Dialogue) Dialogue {
	return Dialogue{
		ContentType: ContentGroupLog,
		Group:       lines,
	}
}

// LastTurn returns the final dialogue turn, or nil when the dialogue is
// empty.
func (v *Value) LastTurn() *Dialogue {
	if len(v.Dialogue) == 0 {
		return nil
	}
	return &v.Dialogue[len(v.Dialogue)-1]
}
