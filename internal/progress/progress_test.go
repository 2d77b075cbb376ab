package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type recording struct {
	starts  int
	total   int64
	updates []int64
}

func (r *recording) Start(total int64, _ string) { r.starts++; r.total = total }
func (r *recording) Update(n int64)              { r.updates = append(r.updates, n) }
func (r *recording) Finish()                     {}
func (r *recording) Error(error)                 {}

func TestTrack(t *testing.T) {
	r := &recording{}
	hook := Track(r, "run1")
	hook(10, 30)
	hook(20, 30)
	hook(30, 30)

	if r.starts != 1 || r.total != 30 {
		t.Errorf("starts = %d total = %d, want 1 and 30", r.starts, r.total)
	}
	if len(r.updates) != 3 || r.updates[2] != 30 {
		t.Errorf("updates = %v", r.updates)
	}
}

func TestCLIProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewCLIProgress(&buf)
	p.Update(5) // before Start is ignored
	p.Start(100, "hashing run1")
	p.Update(100)
	p.Finish()
	p.Error(errors.New("boom"))

	out := buf.String()
	for _, want := range []string{"hashing run1", "Error: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	m := NewMulti(&buf)

	a := m.Bar()
	a.Start(10, "a")
	a.Update(10)
	a.Finish()

	// A bar that never started still lets Wait return.
	m.Bar().Finish()

	b := m.Bar()
	b.Start(10, "b")
	b.Error(errors.New("unreadable"))

	m.Wait()
}

func TestNoOp(t *testing.T) {
	var r Reporter = NoOpProgress{}
	r.Start(1, "")
	r.Update(1)
	r.Finish()
	r.Error(nil)
}
