package jingle

import (
	"hash/fnv"
	"sync"
)

// shardCount количество шардов реестра, степень двойки
const shardCount = 32

// SessionKey ключ поиска и равенства сессий
type SessionKey struct {
	Initiator string
	SID       string
}

func (k SessionKey) String() string {
	return k.Initiator + "#" + k.SID
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*Session
}

// sessionMap реестр сессий соединения. Ключи распределены по шардам,
// у каждого шарда свой мьютекс.
type sessionMap struct {
	shards [shardCount]*sessionShard
}

func newSessionMap() *sessionMap {
	m := &sessionMap{}
	for i := range m.shards {
		m.shards[i] = &sessionShard{sessions: make(map[SessionKey]*Session)}
	}
	return m
}

func (m *sessionMap) shard(key SessionKey) *sessionShard {
	h := fnv.New32a()
	h.Write([]byte(key.Initiator))
	h.Write([]byte{0})
	h.Write([]byte(key.SID))
	return m.shards[h.Sum32()&(shardCount-1)]
}

// SetIfAbsent регистрирует сессию, если ключ свободен. Возвращает сессию,
// которая в итоге хранится под ключом, и признак того, что вставлена s.
func (m *sessionMap) SetIfAbsent(key SessionKey, s *Session) (*Session, bool) {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[key]; ok {
		return cur, false
	}
	sh.sessions[key] = s
	return s, true
}

func (m *sessionMap) Get(key SessionKey) (*Session, bool) {
	sh := m.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[key]
	return s, ok
}

// Delete удаляет сессию, только если под ключом хранится именно она
func (m *sessionMap) Delete(key SessionKey, s *Session) bool {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[key]; ok && cur == s {
		delete(sh.sessions, key)
		return true
	}
	return false
}

func (m *sessionMap) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot копия содержимого; обход идет без блокировок
func (m *sessionMap) Snapshot() []*Session {
	var out []*Session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
