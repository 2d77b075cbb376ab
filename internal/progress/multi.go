package progress

import (
	"io"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// Multi stacks one bar per operation, for commands working through several
// inputs.
type Multi struct {
	progress *mpb.Progress
}

// NewMulti creates a bar container drawing on out; nil means stderr. Off a
// terminal nothing is drawn.
func NewMulti(out io.Writer) *Multi {
	if out == nil {
		out = os.Stderr
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			out = io.Discard
		}
	}
	return &Multi{progress: mpb.New(
		mpb.WithOutput(out),
		mpb.WithRefreshRate(150*time.Millisecond),
		mpb.WithWidth(60),
	)}
}

// Bar returns a reporter for one more operation.
func (m *Multi) Bar() Reporter {
	return &multiBar{progress: m.progress}
}

// Wait blocks until every bar is complete or aborted.
func (m *Multi) Wait() {
	m.progress.Wait()
}

type multiBar struct {
	progress *mpb.Progress
	bar      *mpb.Bar
}

func (b *multiBar) Start(total int64, description string) {
	b.bar = b.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(description, decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
	)
}

func (b *multiBar) Update(current int64) {
	if b.bar != nil {
		b.bar.SetCurrent(current)
	}
}

func (b *multiBar) Finish() {
	if b.bar == nil {
		// Nothing was read; an empty input still completes.
		b.Start(0, "")
	}
	b.bar.SetTotal(-1, true)
}

func (b *multiBar) Error(error) {
	if b.bar != nil {
		b.bar.Abort(false)
	}
}
