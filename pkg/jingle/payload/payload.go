// Package payload описывает типы полезной нагрузки (кодеки) и подбор общих кодеков.
package payload

import (
	"fmt"
)

// PayloadType описание одного кодека. Значение неизменяемое.
//
// Базовый тип сравнивается по id, имени и числу каналов. Аудио-тип дополнительно
// несет частоту дискретизации, и базовый тип никогда не равен аудио-типу.
type PayloadType struct {
	ID        int
	Name      string
	Channels  int
	ClockRate uint32
	Audio     bool
}

// New создает базовый тип
func New(id int, name string, channels int) PayloadType {
	return PayloadType{ID: id, Name: name, Channels: channels}
}

// NewAudio создает аудио-тип с частотой дискретизации
func NewAudio(id int, name string, channels int, clockRate uint32) PayloadType {
	return PayloadType{ID: id, Name: name, Channels: channels, ClockRate: clockRate, Audio: true}
}

// Equal структурное сравнение
func (p PayloadType) Equal(o PayloadType) bool {
	if p.Audio != o.Audio {
		return false
	}
	if p.ID != o.ID || p.Name != o.Name || p.Channels != o.Channels {
		return false
	}
	return !p.Audio || p.ClockRate == o.ClockRate
}

func (p PayloadType) String() string {
	if p.Audio {
		return fmt.Sprintf("%d:%s/%d/%d", p.ID, p.Name, p.ClockRate, p.Channels)
	}
	return fmt.Sprintf("%d:%s/%d", p.ID, p.Name, p.Channels)
}

// Contains проверяет наличие структурно равного элемента
func Contains(list []PayloadType, p PayloadType) bool {
	for _, x := range list {
		if x.Equal(p) {
			return true
		}
	}
	return false
}

// ComputeCommon возвращает элементы a, структурно равные какому-либо элементу b,
// в порядке их следования в a и без повторов. Пустой результат означает,
// что согласовать кодек невозможно.
func ComputeCommon(a, b []PayloadType) []PayloadType {
	var out []PayloadType
	for _, p := range a {
		if Contains(b, p) && !Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Negotiate выбирает первый общий кодек в порядке предпочтений local
func Negotiate(local, remote []PayloadType) (PayloadType, bool) {
	common := ComputeCommon(local, remote)
	if len(common) == 0 {
		return PayloadType{}, false
	}
	return common[0], true
}
