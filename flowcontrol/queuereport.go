package flowcontrol

// QueueReport implements the TinyG/g2core strategy (spec.md §4.3): throttle
// on the controller's self-reported queue depth (qr) rather than counting
// characters. Writes proceed while qr > LowWater, stop once qr falls to
// LowWater or below, and resume when a later UpdateQR call reports a rise
// above LowWater.
//
// A FIFO of entries is still kept so ok/error replies can be attributed back
// to the line that caused them, matching every other strategy's ledger
// semantics (spec.md §4.3 "pairs outgoing lines with incoming ok/error
// replies in strict FIFO order").
type QueueReport struct {
	LowWater int

	qr      int
	haveQR  bool
	entries []Entry
}

// QueueReporter is implemented by flow controllers that throttle on a
// controller-reported queue depth rather than counting characters.
// machine.Controller type-asserts its FlowController against this so only
// the TinyG/g2core family (and anything else built the same way) receives
// qr updates.
type QueueReporter interface {
	UpdateQR(qr int)
}

// NewQueueReport returns a QueueReport flow controller. lowWater of 0 means
// "stop only when the queue is completely full" (qr <= 0).
func NewQueueReport(lowWater int) *QueueReport {
	return &QueueReport{LowWater: lowWater}
}

// UpdateQR records a newly-received queue-report value.
func (q *QueueReport) UpdateQR(qr int) {
	q.qr = qr
	q.haveQR = true
}

// CanSend implements FlowController. Before any qr has been seen, sends are
// allowed (the controller has not yet reported a constrained queue).
func (q *QueueReport) CanSend(n int) bool {
	if !q.haveQR {
		return true
	}
	return q.qr > q.LowWater
}

// Sent implements FlowController.
func (q *QueueReport) Sent(id LineID, n int) {
	q.entries = append(q.entries, Entry{ID: id, Chars: n})
}

// Ack implements FlowController.
func (q *QueueReport) Ack() (Entry, error) {
	return q.pop()
}

// Nack implements FlowController.
func (q *QueueReport) Nack(code int) (Entry, error) {
	return q.pop()
}

func (q *QueueReport) pop() (Entry, error) {
	if len(q.entries) == 0 {
		return Entry{}, ErrNoEntries
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, nil
}

// InFlight implements FlowController.
func (q *QueueReport) InFlight() int {
	return len(q.entries)
}

// Reset implements FlowController.
func (q *QueueReport) Reset() {
	q.entries = nil
	q.qr = 0
	q.haveQR = false
}

var _ FlowController = (*QueueReport)(nil)
