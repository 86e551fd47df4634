package flowcontrol

// CharCount implements the Grbl character-counting strategy (spec.md §4.3):
// an ordered deque of (charCount, id) entries for lines written but not yet
// acknowledged, with the invariant that the sum of charCount over the deque
// never exceeds Capacity.
type CharCount struct {
	Capacity int // ControllerRxBufferCapacity, default 128

	entries  []Entry
	inFlight int
}

// NewCharCount returns a CharCount flow controller with the given receive
// buffer capacity. A capacity of 0 defaults to 128, Grbl's default.
func NewCharCount(capacity int) *CharCount {
	if capacity <= 0 {
		capacity = 128
	}
	return &CharCount{Capacity: capacity}
}

// CanSend implements FlowController.
func (c *CharCount) CanSend(n int) bool {
	return c.inFlight+n <= c.Capacity
}

// Sent implements FlowController.
func (c *CharCount) Sent(id LineID, n int) {
	c.entries = append(c.entries, Entry{ID: id, Chars: n})
	c.inFlight += n
}

// Ack implements FlowController.
func (c *CharCount) Ack() (Entry, error) {
	return c.pop()
}

// Nack implements FlowController.
func (c *CharCount) Nack(code int) (Entry, error) {
	return c.pop()
}

func (c *CharCount) pop() (Entry, error) {
	if len(c.entries) == 0 {
		return Entry{}, ErrNoEntries
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	c.inFlight -= e.Chars
	return e, nil
}

// InFlight implements FlowController.
func (c *CharCount) InFlight() int {
	return c.inFlight
}

// Reset implements FlowController.
func (c *CharCount) Reset() {
	c.entries = nil
	c.inFlight = 0
}

var _ FlowController = (*CharCount)(nil)
