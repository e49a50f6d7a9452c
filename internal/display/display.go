// Package display показывает ход кампании в терминале.
package display

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/serebryakov7/canfuzz/common"
)

// Display получает каждый кадр камеры, каждый отправленный кадр и каждое срабатывание.
type Display interface {
	ShowFrame(img image.Image)
	LogSent(frame common.Frame)
	LogTriggered(frame common.Frame)
	Close() error
}

// Nop ничего не показывает.
type Nop struct{}

func (Nop) ShowFrame(image.Image)     {}
func (Nop) LogSent(common.Frame)      {}
func (Nop) LogTriggered(common.Frame) {}
func (Nop) Close() error              { return nil }

const (
	refreshInterval = 200 * time.Millisecond
	recentTriggers  = 10
)

// Console перерисовывает область терминала не чаще refreshInterval.
type Console struct {
	mu       sync.Mutex
	area     *pterm.AreaPrinter
	started  time.Time
	rendered time.Time

	frames   uint64
	size     image.Point
	sent     uint64
	lastSent common.Frame
	triggers uint64
	recent   []string
}

// NewConsole занимает область терминала под живой статус.
func NewConsole() (*Console, error) {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return nil, fmt.Errorf("display: %w", err)
	}
	return &Console{area: area, started: time.Now()}, nil
}

func (c *Console) ShowFrame(img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	c.size = img.Bounds().Size()
	c.refresh(false)
}

func (c *Console) LogSent(f common.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	c.lastSent = f
	c.refresh(false)
}

func (c *Console) LogTriggered(f common.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers++
	line := time.Now().Format(time.TimeOnly) + "  " + f.String()
	c.recent = append(c.recent, line)
	if len(c.recent) > recentTriggers {
		c.recent = c.recent[len(c.recent)-recentTriggers:]
	}
	c.refresh(true)
}

func (c *Console) refresh(force bool) {
	if c.area == nil || (!force && time.Since(c.rendered) < refreshInterval) {
		return
	}
	c.rendered = time.Now()
	c.area.Update(c.view())
}

// view собирает текст области. Вызывается под c.mu.
func (c *Console) view() string {
	var b strings.Builder
	b.WriteString(pterm.DefaultSection.Sprint("canfuzz"))
	fmt.Fprintf(&b, "Время:     %s\n", time.Since(c.started).Truncate(time.Second))
	fmt.Fprintf(&b, "Камера:    %d кадров %dx%d\n", c.frames, c.size.X, c.size.Y)
	if c.sent > 0 {
		fmt.Fprintf(&b, "Отправлено: %d, последний %s\n", c.sent, c.lastSent)
	} else {
		b.WriteString("Отправлено: 0\n")
	}
	fmt.Fprintf(&b, "Срабатываний: %s\n", pterm.FgRed.Sprint(c.triggers))
	for _, line := range c.recent {
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}

// Close выводит итоговое состояние и освобождает область.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.area == nil {
		return nil
	}
	c.area.Update(c.view())
	err := c.area.Stop()
	c.area = nil
	return err
}
