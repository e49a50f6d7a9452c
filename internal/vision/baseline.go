package vision

import "image"

// BaselinePolicy определяет, когда опорный кадр сравнения сдвигается на текущий.
type BaselinePolicy int

const (
	// Settle сдвигает опорный кадр только на спокойных кадрах. Пока изменение
	// держится, сравнение идет с последним кадром до него.
	Settle BaselinePolicy = iota
	// Consecutive сравнивает каждый кадр с непосредственно предыдущим.
	Consecutive
)

// DefaultMaxHold: после стольких кадров подряд с изменением опорный кадр
// принудительно сдвигается, чтобы постоянное изменение сцены не держало запись.
const DefaultMaxHold = 60

// Baseline хранит "предыдущий" кадр для детектора. Принадлежит циклу камеры.
type Baseline struct {
	policy  BaselinePolicy
	maxHold int
	ref     *image.Gray
	held    int
}

// NewBaseline создает пустой опорный кадр. maxHold <= 0 отключает принудительный сдвиг.
func NewBaseline(policy BaselinePolicy, maxHold int) *Baseline {
	return &Baseline{policy: policy, maxHold: maxHold}
}

// Reference возвращает текущий опорный кадр или nil до первого кадра.
func (b *Baseline) Reference() *image.Gray { return b.ref }

// Update сдвигает опорный кадр после оценки curr. changed сообщает, были ли значимые области.
func (b *Baseline) Update(curr *image.Gray, changed bool) {
	if b.policy == Consecutive || b.ref == nil || !changed {
		b.ref, b.held = curr, 0
		return
	}
	b.held++
	if b.maxHold > 0 && b.held >= b.maxHold {
		b.ref, b.held = curr, 0
	}
}

// Reset забывает опорный кадр: следующий кадр снова считается первым.
func (b *Baseline) Reset() {
	b.ref, b.held = nil, 0
}
