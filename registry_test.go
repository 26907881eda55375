package metacache

import (
	"math"
	"slices"
	"testing"

	"github.com/codeGROOVE-dev/metacache/pkg/record"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		expires int64
		stale   int64
		now     int64
		want    freshness
	}{
		{"before expiry", 100, 0, 99, fresh},
		{"at expiry without window", 100, 0, 100, trulyStale},
		{"at expiry with window", 100, 10, 100, stale},
		{"inside window", 100, 10, 109, stale},
		{"window used up", 100, 10, 110, trulyStale},
		{"long past", 100, 0, 1000, trulyStale},
		{"window near int64 max", 100, math.MaxInt64 - 50, 1000, stale},
		{"max window at max expiry", math.MaxInt64, math.MaxInt64, math.MaxInt64, stale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := record.Meta{Expires: tt.expires, Stale: tt.stale, Priority: 1}
			if got := classify(m, tt.now); got != tt.want {
				t.Errorf("classify = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_SizeAccounting(t *testing.T) {
	r := newRegistry()
	r.put("a", record.Meta{Priority: 1, Size: 10})
	r.put("b", record.Meta{Priority: 1, Size: 20})
	r.putCorrupt("c", 5)
	if r.len() != 3 || r.bytes() != 35 {
		t.Fatalf("len, bytes = %d, %d; want 3, 35", r.len(), r.bytes())
	}

	r.put("a", record.Meta{Priority: 1, Size: 12})
	if r.bytes() != 37 {
		t.Errorf("bytes after replace = %d; want 37", r.bytes())
	}
	if size, ok := r.remove("b"); !ok || size != 20 {
		t.Errorf("remove(b) = %d, %v; want 20, true", size, ok)
	}
	if _, ok := r.remove("b"); ok {
		t.Error("second remove(b) should report absent")
	}
	if r.len() != 2 || r.bytes() != 17 {
		t.Errorf("len, bytes = %d, %d; want 2, 17", r.len(), r.bytes())
	}
	if e, ok := r.get("c"); !ok || !e.corrupt || e.state(0) != corruptData {
		t.Errorf("get(c) = %+v, %v; want corrupt entry", e, ok)
	}
}

func TestRegistry_WrittenSurvivesTouch(t *testing.T) {
	r := newRegistry()
	e := r.put("k", record.Meta{Priority: 1})
	r.markWritten(e)
	mark := e.written
	if mark == 0 {
		t.Fatal("markWritten left mark at 0")
	}
	if got := r.put("k", record.Meta{Access: 5, Priority: 1}).written; got != mark {
		t.Errorf("written after touch = %d; want %d", got, mark)
	}
	r.markWritten(r.put("k", record.Meta{Priority: 1}))
	if e, _ := r.get("k"); e.written == mark {
		t.Error("a new write should change the mark")
	}
}

func TestRegistry_Recent(t *testing.T) {
	r := newRegistry()
	r.put("old", record.Meta{Access: 1, Priority: 1})
	r.put("tie-first", record.Meta{Access: 5, Priority: 1})
	r.put("tie-second", record.Meta{Access: 5, Priority: 1})
	r.put("newest", record.Meta{Access: 9, Priority: 1})
	r.putCorrupt("corrupt", 3)

	want := []string{"newest", "tie-second", "tie-first", "old", "corrupt"}
	if got := r.recent(0); !slices.Equal(got, want) {
		t.Errorf("recent(0) = %v; want %v", got, want)
	}
	if got := r.recent(2); !slices.Equal(got, want[:2]) {
		t.Errorf("recent(2) = %v; want %v", got, want[:2])
	}
	if got := r.recent(10); len(got) != 5 {
		t.Errorf("recent(10) returned %d keys; want 5", len(got))
	}
}
