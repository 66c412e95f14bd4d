package protocol

// ToolCallBudget limits the total number of tool invocations the model
// may trigger within one request.
type ToolCallBudget struct {
	remaining int
	initial   int
}

// NewToolCallBudget creates a budget with the given allowance. Negative
// allowances clamp to zero.
func NewToolCallBudget(n int) *ToolCallBudget {
	if n < 0 {
		n = 0
	}
	return &ToolCallBudget{remaining: n, initial: n}
}

// Consume takes one unit from the budget. It returns false when the
// budget is already spent.
func (b *ToolCallBudget) Consume() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Remaining reports the unspent allowance.
func (b *ToolCallBudget) Remaining() int { return b.remaining }

// Initial reports the starting allowance.
func (b *ToolCallBudget) Initial() int { return b.initial }

// Used reports how many units were consumed.
func (b *ToolCallBudget) Used() int { return b.initial - b.remaining }

// Exhausted reports whether no allowance remains.
func (b *ToolCallBudget) Exhausted() bool { return b.remaining <= 0 }
