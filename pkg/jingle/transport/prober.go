package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arzzra/jingle/pkg/logging"
)

// Параметры проверки связности по умолчанию
const (
	DefaultProbeInterval = 200 * time.Millisecond
	probeMagic           = "JNGL"
)

// ErrUnreachable ни одна пара кандидатов не ответила
var ErrUnreachable = errors.New("transport: no candidate pair reachable")

// Pair пара кандидатов, между которыми подтверждена связность
type Pair struct {
	Local  Candidate
	Remote Candidate
}

// ProberConfig настройки проверки связности
type ProberConfig struct {
	// Interval период повтора запросов по каждой паре
	Interval time.Duration
	// Tries число раундов; 0 означает до истечения контекста
	Tries  int
	Logger logging.StructuredLogger
}

type pendingProbe struct {
	local  Candidate
	remote Candidate
	conn   *net.UDPConn
	dst    netip.AddrPort
}

// Prober эхо-проверка связности. Каждый локальный сокет отвечает на запросы
// собеседника с верным паролем и отправляет свои запросы на кандидатов
// собеседника; первая пара, получившая подтверждение, побеждает.
//
// Формат датаграмм:
//
//	JNGL REQ <pwd> <candidate-id> <nonce>
//	JNGL ACK <candidate-id> <nonce>
type Prober struct {
	cfg    ProberConfig
	local  Result
	logger logging.StructuredLogger

	mu      sync.Mutex
	sockets map[netip.AddrPort]*net.UDPConn
	owners  map[*net.UDPConn]Candidate
	pending map[string]pendingProbe
	found   func(Pair)
	closed  bool

	wg sync.WaitGroup
}

// NewProber создает проверку для локального результата разрешения.
// Сокет результата, если он есть, переходит во владение Prober.
func NewProber(local Result, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Prober{
		cfg:     cfg,
		local:   local,
		logger:  logger.WithComponent("prober"),
		sockets: make(map[netip.AddrPort]*net.UDPConn),
		owners:  make(map[*net.UDPConn]Candidate),
		pending: make(map[string]pendingProbe),
	}
}

// Listen открывает сокеты локальных кандидатов и начинает отвечать на запросы
func (p *Prober) Listen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}

	var given netip.AddrPort
	if p.local.Conn != nil {
		given = localAddrPort(p.local.Conn)
	}
	for _, c := range p.local.Candidates {
		if !c.Base.IsValid() {
			continue
		}
		if _, ok := p.sockets[c.Base]; ok {
			continue
		}
		var conn *net.UDPConn
		if p.local.Conn != nil && given.Port() == c.Base.Port() {
			conn = p.local.Conn
		} else {
			var err error
			if conn, err = ListenUDP(ctx, c.Base); err != nil {
				p.logger.Warn(ctx, "не удалось открыть сокет кандидата",
					logging.String("candidate", c.ID), logging.Err(err))
				continue
			}
		}
		p.sockets[c.Base] = conn
		p.owners[conn] = c
		if c.Via.IsValid() {
			// открываем привязку на мосту до прихода чужих запросов
			conn.WriteToUDPAddrPort([]byte(probeMagic+" LATCH"), c.Via)
		}
		p.wg.Add(1)
		go p.readLoop(conn)
	}
	if len(p.sockets) == 0 {
		return fmt.Errorf("prober: %w", ErrNoCandidates)
	}
	return nil
}

// Probe запускает проверку пар в фоне. done вызывается ровно один раз:
// с первой подтвержденной парой либо с ошибкой. done вызывается из горутин
// Prober, поэтому вызывать из него Close нельзя.
func (p *Prober) Probe(ctx context.Context, remote []Candidate, remotePwd string, done func(Pair, error)) {
	var once sync.Once
	finish := func(pair Pair, err error) {
		once.Do(func() { done(pair, err) })
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go finish(Pair{}, net.ErrClosed)
		return
	}
	var probes []pendingProbe
	for _, conn := range p.sockets {
		local := p.owners[conn]
		for _, rc := range remote {
			if rc.Component != local.Component || (rc.Protocol != "" && !strings.EqualFold(rc.Protocol, "udp")) {
				continue
			}
			dst, err := rc.Addr()
			if err != nil {
				continue
			}
			if local.Via.IsValid() {
				dst = local.Via
			}
			probes = append(probes, pendingProbe{local: local, remote: rc, conn: conn, dst: dst})
		}
	}
	// ответы на пробы прошлого раунда больше не засчитываются
	clear(p.pending)
	nonces := make([]string, len(probes))
	for i, pr := range probes {
		nonces[i] = randomToken(6)
		p.pending[nonces[i]] = pr
	}
	p.found = func(pair Pair) { finish(pair, nil) }
	p.mu.Unlock()

	if len(probes) == 0 {
		go finish(Pair{}, ErrUnreachable)
		return
	}

	limiter := rate.NewLimiter(rate.Every(p.cfg.Interval/time.Duration(len(probes))), len(probes))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for round := 0; p.cfg.Tries == 0 || round < p.cfg.Tries; round++ {
			for i, pr := range probes {
				if err := limiter.Wait(ctx); err != nil {
					finish(Pair{}, fmt.Errorf("%w: %v", ErrUnreachable, err))
					return
				}
				if p.isClosed() {
					finish(Pair{}, net.ErrClosed)
					return
				}
				msg := fmt.Sprintf("%s REQ %s %s %s", probeMagic, pwdToken(remotePwd), pr.remote.ID, nonces[i])
				if _, err := pr.conn.WriteToUDPAddrPort([]byte(msg), pr.dst); err != nil {
					p.logger.Debug(ctx, "ошибка отправки пробы", logging.String("dst", pr.dst.String()), logging.Err(err))
				}
			}
		}
		// ответы на последний раунд еще могут прийти
		select {
		case <-time.After(p.cfg.Interval):
		case <-ctx.Done():
		}
		finish(Pair{}, ErrUnreachable)
	}()
}

func (p *Prober) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Prober) readLoop(conn *net.UDPConn) {
	defer p.wg.Done()
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.isClosed() {
				return
			}
			continue
		}
		p.handle(conn, from, string(buf[:n]))
	}
}

func (p *Prober) handle(conn *net.UDPConn, from netip.AddrPort, msg string) {
	f := strings.Fields(msg)
	if len(f) < 2 || f[0] != probeMagic {
		return
	}
	switch f[1] {
	case "REQ":
		if len(f) != 5 || f[2] != pwdToken(p.local.Pwd) || !p.ownsCandidate(f[3]) {
			return
		}
		ack := fmt.Sprintf("%s ACK %s %s", probeMagic, f[3], f[4])
		conn.WriteToUDPAddrPort([]byte(ack), from)
	case "ACK":
		if len(f) != 4 {
			return
		}
		p.mu.Lock()
		pr, ok := p.pending[f[3]]
		found := p.found
		if ok && pr.remote.ID == f[2] && pr.conn == conn {
			p.found = nil
		} else {
			found = nil
		}
		p.mu.Unlock()
		if found != nil {
			found(Pair{Local: pr.local, Remote: pr.remote})
		}
	}
}

// pwdToken пустой пароль передается как "-"
func pwdToken(pwd string) string {
	if pwd == "" {
		return "-"
	}
	return pwd
}

func (p *Prober) ownsCandidate(id string) bool {
	for _, c := range p.local.Candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Close закрывает сокеты и ждет остановки фоновых горутин
func (p *Prober) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, conn := range p.sockets {
		conn.Close()
	}
	if p.local.Conn != nil {
		p.local.Conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
