// Package progress renders download progress on a terminal: a message line,
// then a spinner, elapsed time, a bar, transferred/total bytes, throughput and
// ETA. Positions reported to a Bar never move backwards and never exceed the
// declared total.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/mattn/go-isatty"
	"github.com/paulbellamy/ratecounter"
)

// Reporter 接收下载进度。total <= 0 表示总量未知。
type Reporter interface {
	Start(message string, total int64)
	SetPosition(pos int64)
	Finish(message string)
}

// Nop 丢弃所有进度。
type Nop struct{}

func (Nop) Start(string, int64) {}
func (Nop) SetPosition(int64) {}
func (Nop) Finish(string) {}

const (
	barWidth     = 40
	redrawPeriod = 100 * time.Millisecond
	barFill      = "■"
	barEmpty     = " "
)

var spinnerFrames = []string{"⠁", "⠂", "⠄", "⡀", "⢀", "⠠", "⠐", "⠈"}

// Bar 是面向终端的 Reporter；非交互输出时只打印起止两行。
type Bar struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	now         func() time.Time

	total    int64
	pos      int64
	started  time.Time
	lastDraw time.Time
	frame    int
	rate     *ratecounter.RateCounter
}

// NewBar 构造写入 out 的进度条，interactive 决定是否原地重绘。
func NewBar(out io.Writer, interactive bool) *Bar {
	return &Bar{
		out:         out,
		interactive: interactive,
		now:         time.Now,
		rate:        ratecounter.NewRateCounter(time.Second),
	}
}

// ForFile 根据 f 是否为终端决定交互模式，通常传入 os.Stderr。
func ForFile(f *os.File) *Bar {
	fd := f.Fd()
	return NewBar(f, isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}

func (b *Bar) Start(message string, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = total
	b.pos = 0
	b.started = b.now()
	b.lastDraw = time.Time{}
	fmt.Fprintln(b.out, message)
	b.drawLocked(true)
}

// SetPosition 只接受递增的位置，并在总量已知时截断到 total。
func (b *Bar) SetPosition(pos int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total > 0 && pos > b.total {
		pos = b.total
	}
	if pos <= b.pos {
		return
	}
	b.rate.Incr(pos - b.pos)
	b.pos = pos
	b.drawLocked(false)
}

func (b *Bar) Finish(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interactive {
		b.drawLocked(true)
		fmt.Fprintln(b.out)
	} else {
		fmt.Fprintln(b.out, b.lineLocked())
	}
	fmt.Fprintln(b.out, message)
}

// Position 返回当前进度位置。
func (b *Bar) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

func (b *Bar) drawLocked(force bool) {
	if !b.interactive {
		return
	}
	now := b.now()
	if !force && now.Sub(b.lastDraw) < redrawPeriod {
		return
	}
	b.lastDraw = now
	b.frame = (b.frame + 1) % len(spinnerFrames)
	fmt.Fprintf(b.out, "\r%s\x1b[K", b.lineLocked())
}

func (b *Bar) lineLocked() string {
	elapsed := b.now().Sub(b.started)
	spinner := spinnerFrames[b.frame]
	rate := b.rate.Rate()

	if b.total <= 0 {
		return fmt.Sprintf("%s [%s] %s (%s/s)",
			spinner, formatElapsed(elapsed), units.BytesSize(float64(b.pos)), units.BytesSize(float64(rate)))
	}

	return fmt.Sprintf("%s [%s] [%s] %s/%s (%s/s, %s)",
		spinner,
		formatElapsed(elapsed),
		renderBar(b.pos, b.total, barWidth),
		units.BytesSize(float64(b.pos)),
		units.BytesSize(float64(b.total)),
		units.BytesSize(float64(rate)),
		formatETA(b.total-b.pos, rate),
	)
}

func renderBar(pos, total int64, width int) string {
	filled := 0
	if total > 0 {
		filled = int(pos * int64(width) / total)
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat(barFill, filled) + strings.Repeat(barEmpty, width-filled)
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

func formatETA(remaining, rate int64) string {
	if remaining <= 0 {
		return "0s"
	}
	if rate <= 0 {
		return "?"
	}
	return (time.Duration(remaining/rate) * time.Second).String()
}
