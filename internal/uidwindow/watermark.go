package uidwindow

// Watermark folds per-UID ingestion results into the highest UID that
// can safely be recorded as seen.
//
// Results must be recorded in ascending UID order. The watermark
// advances through successes only until the first failure; later
// successes are remembered but do not move it, so the failed UID is
// retried on the next pass.
type Watermark struct {
	value     uint32
	blocked   uint32
	succeeded int
	failed    []uint32
	skipped   []uint32
}

// NewWatermark starts a fold at the pass's starting watermark.
func NewWatermark(start uint32) *Watermark {
	return &Watermark{value: start}
}

// Record folds the result for uid.
func (w *Watermark) Record(uid uint32, ok bool) {
	if !ok {
		w.failed = append(w.failed, uid)
		if w.blocked == 0 {
			w.blocked = uid
		}
		return
	}

	w.succeeded++
	if w.blocked == 0 && uid > w.value {
		w.value = uid
	}
}

// SkipPoisoned records uid as handled although its ingestion failed,
// letting the watermark step over a message that will never ingest.
// It must be called in UID order like Record.
func (w *Watermark) SkipPoisoned(uid uint32) {
	w.skipped = append(w.skipped, uid)
	if w.blocked == 0 && uid > w.value {
		w.value = uid
	}
}

// Skipped returns the UIDs passed to SkipPoisoned.
func (w *Watermark) Skipped() []uint32 {
	return w.skipped
}

// Value returns the watermark to commit.
func (w *Watermark) Value() uint32 {
	return w.value
}

// Blocked returns the first failed UID, if any.
func (w *Watermark) Blocked() (uint32, bool) {
	return w.blocked, w.blocked != 0
}

// Failed returns every failed UID in recording order.
func (w *Watermark) Failed() []uint32 {
	return w.failed
}

// Succeeded returns how many successes were recorded.
func (w *Watermark) Succeeded() int {
	return w.succeeded
}
