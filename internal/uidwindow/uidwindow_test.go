package uidwindow

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		stored, current uint32
		lastSeen        uint32
		want            Window
	}{
		{
			name:   "never synced",
			stored: 0, current: 7, lastSeen: 0,
			want: Window{FirstSync: true},
		},
		{
			name:   "same epoch, nothing seen",
			stored: 7, current: 7, lastSeen: 0,
			want: Window{},
		},
		{
			name:   "same epoch, watermark set",
			stored: 7, current: 7, lastSeen: 42,
			want: Window{LastSeen: 42, HasOld: true, Old: Range{1, 42}, New: Range{Start: 43}},
		},
		{
			name:   "epoch changed discards watermark",
			stored: 7, current: 9, lastSeen: 42,
			want: Window{Resync: true},
		},
		{
			name:   "missing stored epoch with stale watermark",
			stored: 0, current: 9, lastSeen: 42,
			want: Window{FirstSync: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.stored, tt.current, tt.lastSeen)
			if got != tt.want {
				t.Errorf("Classify(%d, %d, %d) = %+v, want %+v", tt.stored, tt.current, tt.lastSeen, got, tt.want)
			}
			if got.LastSeen == 0 && (got.HasOld || !got.New.All()) {
				t.Errorf("zero watermark must search everything as new, got %+v", got)
			}
		})
	}
}

func TestRangeString(t *testing.T) {
	tests := []struct {
		r    Range
		want string
	}{
		{Range{}, "ALL"},
		{Range{Start: 5}, "5:*"},
		{Range{Start: 1, Stop: 4}, "1:4"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.r, got, tt.want)
		}
	}
}

func TestFilterNew_StarQuirk(t *testing.T) {
	// Searching 43:* on a mailbox whose highest UID is 40 returns 40.
	got := FilterNew([]uint32{40}, 42)
	if len(got) != 0 {
		t.Errorf("FilterNew([40], 42) = %v, want empty", got)
	}

	got = FilterNew([]uint32{50, 43, 40, 43}, 42)
	if want := []uint32{43, 50}; !reflect.DeepEqual(got, want) {
		t.Errorf("FilterNew() = %v, want %v", got, want)
	}
}

func TestFilterOld(t *testing.T) {
	got := FilterOld([]uint32{9, 0, 3, 12, 3, 1}, 9)
	if want := []uint32{1, 3, 9}; !reflect.DeepEqual(got, want) {
		t.Errorf("FilterOld() = %v, want %v", got, want)
	}
}

func TestWatermark(t *testing.T) {
	type result struct {
		uid uint32
		ok  bool
	}

	tests := []struct {
		name        string
		start       uint32
		results     []result
		want        uint32
		wantBlocked uint32
	}{
		{
			name:    "all succeed",
			start:   10,
			results: []result{{11, true}, {12, true}, {15, true}},
			want:    15,
		},
		{
			name:        "stops at first failure",
			start:       10,
			results:     []result{{11, true}, {12, false}, {13, true}},
			want:        11,
			wantBlocked: 12,
		},
		{
			name:        "first message fails",
			start:       0,
			results:     []result{{1, false}, {2, true}},
			want:        0,
			wantBlocked: 1,
		},
		{
			name:  "nothing to record",
			start: 7,
			want:  7,
		},
		{
			name:    "never moves backwards",
			start:   20,
			results: []result{{5, true}},
			want:    20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWatermark(tt.start)
			for _, r := range tt.results {
				w.Record(r.uid, r.ok)
			}
			if got := w.Value(); got != tt.want {
				t.Errorf("Value() = %d, want %d", got, tt.want)
			}
			blocked, ok := w.Blocked()
			if blocked != tt.wantBlocked || ok != (tt.wantBlocked != 0) {
				t.Errorf("Blocked() = %d, %v; want %d", blocked, ok, tt.wantBlocked)
			}
		})
	}
}

func TestWatermark_Counts(t *testing.T) {
	w := NewWatermark(0)
	w.Record(1, true)
	w.Record(2, false)
	w.Record(3, false)
	w.Record(4, true)

	if w.Succeeded() != 2 {
		t.Errorf("Succeeded() = %d, want 2", w.Succeeded())
	}
	if want := []uint32{2, 3}; !reflect.DeepEqual(w.Failed(), want) {
		t.Errorf("Failed() = %v, want %v", w.Failed(), want)
	}
}

func TestWatermark_SkipPoisoned(t *testing.T) {
	w := NewWatermark(10)
	w.Record(11, true)
	w.SkipPoisoned(12)
	w.Record(13, true)

	if got := w.Value(); got != 13 {
		t.Errorf("Value() = %d, want 13", got)
	}
	if _, ok := w.Blocked(); ok {
		t.Error("Blocked() reported a failure after a skip")
	}
	if want := []uint32{12}; !reflect.DeepEqual(w.Skipped(), want) {
		t.Errorf("Skipped() = %v, want %v", w.Skipped(), want)
	}

	// A skip after a real failure does not unblock the watermark.
	w2 := NewWatermark(0)
	w2.Record(1, false)
	w2.SkipPoisoned(2)
	if got := w2.Value(); got != 0 {
		t.Errorf("Value() after failure then skip = %d, want 0", got)
	}
}
