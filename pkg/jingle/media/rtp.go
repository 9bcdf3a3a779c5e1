package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
)

// DefaultPtime длительность одного RTP-пакета
const DefaultPtime = 20 * time.Millisecond

// ErrNotInitialized Start вызван до Initialize
var ErrNotInitialized = errors.New("media: session not initialized")

// RTPManager отдает кодеки из конфигурации и создает RTP-сессии,
// передающие тишину с периодом Ptime
type RTPManager struct {
	payloads map[string][]payload.PayloadType
	Ptime    time.Duration
	logger   logging.StructuredLogger
}

// NewRTPManager создает менеджер с кодеками по типам media
func NewRTPManager(payloads map[string][]payload.PayloadType, logger logging.StructuredLogger) *RTPManager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RTPManager{payloads: payloads, Ptime: DefaultPtime, logger: logger.WithComponent("media")}
}

func (m *RTPManager) Payloads(media string) []payload.PayloadType {
	return append([]payload.PayloadType(nil), m.payloads[media]...)
}

func (m *RTPManager) CreateSession(pt payload.PayloadType, remote, local transport.Candidate, info SessionInfo) (Session, error) {
	dst, err := remote.Addr()
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	if local.Via.IsValid() {
		dst = local.Via
	}
	if !local.Base.IsValid() {
		return nil, fmt.Errorf("media: local candidate %s has no socket address", local.ID)
	}
	return &RTPSession{
		pt:     pt,
		bind:   local.Base,
		dst:    dst,
		ptime:  m.Ptime,
		info:   info,
		logger: m.logger.WithFields(logging.String("sid", info.SID), logging.String("content", info.Content)),
	}, nil
}

// RTPSession медиа-сессия поверх UDP
type RTPSession struct {
	pt     payload.PayloadType
	bind   netip.AddrPort
	dst    netip.AddrPort
	ptime  time.Duration
	info   SessionInfo
	logger logging.StructuredLogger

	mu       sync.Mutex
	conn     *net.UDPConn
	ssrc     uint32
	txCancel context.CancelFunc
	rxCancel context.CancelFunc
	wg       sync.WaitGroup
	paused   atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
}

// Initialize открывает сокет на адресе локального кандидата
func (s *RTPSession) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := transport.ListenUDP(context.Background(), s.bind)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	var b [4]byte
	rand.Read(b[:])
	s.ssrc = binary.BigEndian.Uint32(b[:])
	s.conn = conn
	s.logger.Debug(context.Background(), "медиа-сессия инициализирована",
		logging.String("payload", s.pt.String()), logging.String("dst", s.dst.String()))
	return nil
}

// StartTransmit запускает отправку пакетов
func (s *RTPSession) StartTransmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotInitialized
	}
	if s.txCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.txCancel = cancel
	s.wg.Add(1)
	go s.transmitLoop(ctx, s.conn)
	return nil
}

// StartReceive запускает прием пакетов
func (s *RTPSession) StartReceive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotInitialized
	}
	if s.rxCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.rxCancel = cancel
	s.wg.Add(1)
	go s.receiveLoop(ctx, s.conn)
	return nil
}

func (s *RTPSession) StopTransmit() error {
	s.mu.Lock()
	if s.txCancel != nil {
		s.txCancel()
		s.txCancel = nil
	}
	s.mu.Unlock()
	return s.closeIfIdle()
}

func (s *RTPSession) StopReceive() error {
	s.mu.Lock()
	if s.rxCancel != nil {
		s.rxCancel()
		s.rxCancel = nil
	}
	s.mu.Unlock()
	return s.closeIfIdle()
}

// SetTransmit приостанавливает или возобновляет отправку без остановки сессии
func (s *RTPSession) SetTransmit(active bool) error {
	s.paused.Store(!active)
	return nil
}

// Stats число отправленных и принятых пакетов
func (s *RTPSession) Stats() (sent, received uint64) {
	return s.sent.Load(), s.received.Load()
}

// closeIfIdle закрывает сокет, когда остановлены и прием, и передача
func (s *RTPSession) closeIfIdle() error {
	s.mu.Lock()
	if s.txCancel != nil || s.rxCancel != nil || s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	err := conn.Close()
	s.wg.Wait()
	return err
}

func (s *RTPSession) transmitLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ptime)
	defer ticker.Stop()

	clock := s.pt.ClockRate
	if clock == 0 {
		clock = 8000
	}
	samples := uint32(uint64(clock) * uint64(s.ptime) / uint64(time.Second))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: uint8(s.pt.ID),
			SSRC:        s.ssrc,
		},
		Payload: make([]byte, samples),
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.paused.Load() {
			continue
		}
		data, err := pkt.Marshal()
		if err != nil {
			s.logger.LogError(ctx, err, "ошибка сериализации RTP")
			return
		}
		if _, err := conn.WriteToUDPAddrPort(data, s.dst); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.sent.Add(1)
		pkt.SequenceNumber++
		pkt.Timestamp += samples
	}
}

func (s *RTPSession) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if int(pkt.PayloadType) != s.pt.ID {
			continue
		}
		s.received.Add(1)
	}
}
