package losswindow

// DefaultSize is the number of trailing send outcomes kept per socket.
const DefaultSize = 10

type entry struct {
	sent  bool
	acked bool
}

// Window is a fixed-capacity circular history of send outcomes used to estimate
// the recent loss rate of a socket. Once saturated each new entry evicts the
// oldest one, so the estimate only reflects the trailing Cap() sends.
//
// Window is not safe for concurrent use; the owning socket's mutex guards it.
type Window struct {
	entries   []entry
	cursor    int
	populated int
}

func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Window{entries: make([]entry, capacity)}
}

// RecordSent appends an un-acked send at the write cursor.
func (w *Window) RecordSent() {
	w.entries[w.cursor] = entry{sent: true}
	w.cursor = (w.cursor + 1) % len(w.entries)
	if w.populated < len(w.entries) {
		w.populated++
	}
}

// RecordAcked marks the most recently written entry as acked.
func (w *Window) RecordAcked() {
	last := (w.cursor - 1 + len(w.entries)) % len(w.entries)
	w.entries[last].acked = true
}

// LossRate returns floor(100*(sent-acked)/sent) over the populated entries,
// or 0 when nothing has been recorded yet.
func (w *Window) LossRate() int {
	var sent, acked int
	for i := 0; i < w.populated; i++ {
		e := w.entries[i]
		if e.sent {
			sent++
			if e.acked {
				acked++
			}
		}
	}
	if sent == 0 {
		return 0
	}
	return 100 * (sent - acked) / sent
}

func (w *Window) Len() int { return w.populated }

func (w *Window) Cap() int { return len(w.entries) }
