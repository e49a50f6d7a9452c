package fuzz

import (
	"fmt"
	"strings"
	"time"
)

// Mode задает именованный профиль темпа и диапазона перебора.
type Mode string

const (
	// ModeFull: исчерпывающий перебор в медленном темпе.
	ModeFull Mode = "full"
	// ModeQuick: тот же перебор с уменьшенной паузой.
	ModeQuick Mode = "quick"
	// ModeRanged: перебор заданного поддиапазона в медленном темпе.
	ModeRanged Mode = "ranged"
)

const (
	// FullDelay задает паузу профиля FULL.
	FullDelay = 100 * time.Millisecond
	// QuickDelay задает паузу профиля QUICK.
	QuickDelay = 50 * time.Millisecond
	// DefaultStartID и DefaultEndID задают диапазон профилей FULL и QUICK.
	DefaultStartID uint32 = 0x000
	DefaultEndID   uint32 = 0x7DF
)

// Profile описывает темп и диапазон профиля.
type Profile struct {
	Mode    Mode
	StartID uint32
	EndID   uint32
	Delay   time.Duration
}

// ParseMode принимает имя профиля или его номер в интерактивном меню (1, 2, 3).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "1":
		return ModeFull, nil
	case "quick", "2":
		return ModeQuick, nil
	case "ranged", "range", "3":
		return ModeRanged, nil
	default:
		return "", fmt.Errorf("неизвестный режим фаззинга %q (full, quick или ranged)", s)
	}
}

// ProfileFor возвращает профиль режима. Для RANGED диапазон берется у вызывающего,
// для FULL и QUICK переданный диапазон игнорируется.
func ProfileFor(mode Mode, start, end uint32) (Profile, error) {
	switch mode {
	case ModeFull:
		return Profile{Mode: mode, StartID: DefaultStartID, EndID: DefaultEndID, Delay: FullDelay}, nil
	case ModeQuick:
		return Profile{Mode: mode, StartID: DefaultStartID, EndID: DefaultEndID, Delay: QuickDelay}, nil
	case ModeRanged:
		return Profile{Mode: mode, StartID: start, EndID: end, Delay: FullDelay}, nil
	default:
		return Profile{}, fmt.Errorf("неизвестный режим фаззинга %q", mode)
	}
}

// Plan строит план профиля.
func (p Profile) Plan(ignore []uint32) Plan {
	return NewPlan(p.StartID, p.EndID, ignore, p.Delay)
}
