package jingle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// sidBytes 96 бит случайности на sid: коллизия пренебрежимо маловероятна,
// но реестр все равно вставляет с проверкой занятости
const sidBytes = 12

// IDGenerator источник идентификаторов сессий
type IDGenerator func() string

// NewSessionID генерирует криптографически случайный sid
func NewSessionID() string {
	b := make([]byte, sidBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}
