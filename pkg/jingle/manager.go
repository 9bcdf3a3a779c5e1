package jingle

import (
	"context"
	"encoding/xml"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/media"
	"github.com/arzzra/jingle/pkg/jingle/security"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp"
)

const (
	// maxSIDAttempts попыток выделить свободный sid для исходящей сессии
	maxSIDAttempts = 8
	// ответы-ошибки собеседникам ограничены по частоте
	errorReplyRate  = 50
	errorReplyBurst = 20
)

var jingleName = xml.Name{Space: element.NSJingle, Local: "jingle"}

// Option настройка менеджера
type Option func(*Manager)

// WithLogger задает логгер; по умолчанию JSON в stderr с уровнем из конфигурации
func WithLogger(l logging.StructuredLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithResolverFactory подменяет стратегию получения кандидатов из конфигурации
func WithResolverFactory(f transport.Factory) Option {
	return func(m *Manager) { m.resolvers = f }
}

// WithMetrics использует готовый набор метрик
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithIDGenerator источник sid исходящих сессий
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.newSID = g }
}

// Manager реестр сессий одного XMPP-соединения. Направляет входящие стансы
// Jingle в сессии по ключу (initiator, sid), создает исходящие сессии и
// оповещает слушателей о входящих запросах.
type Manager struct {
	conn      xmpp.Transport
	media     media.Manager
	cfg       *Config
	logger    logging.StructuredLogger
	log       logging.StructuredLogger
	metrics   *Metrics
	resolvers transport.Factory
	identity  *security.Identity
	newSID    IDGenerator

	sessions     *sessionMap
	replyLimiter *rate.Limiter

	lmu       sync.RWMutex
	listeners []SessionRequestListener

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	closed      atomic.Bool
}

// NewManager создает менеджер поверх соединения conn. mm поставляет кодеки
// и медиа-сессии согласованных content.
func NewManager(conn xmpp.Transport, mm media.Manager, cfg *Config, opts ...Option) (*Manager, error) {
	if conn == nil {
		return nil, errInvalidArgument("не задано соединение")
	}
	if mm == nil {
		return nil, errInvalidArgument("не задан медиа-менеджер")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		conn:         conn,
		media:        mm,
		cfg:          cfg,
		newSID:       NewSessionID,
		sessions:     newSessionMap(),
		replyLimiter: rate.NewLimiter(rate.Limit(errorReplyRate), errorReplyBurst),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NewZerologLogger(os.Stderr, cfg.Level())
	}
	m.logger = m.logger.WithFields(logging.String("jid", conn.LocalJID()))
	m.log = m.logger.WithComponent("manager")
	if m.metrics == nil {
		m.metrics = NewMetrics(cfg.MetricsNamespace)
	}
	if m.resolvers == nil {
		f, err := transport.NewFactory(cfg.Transport, conn)
		if err != nil {
			return nil, errInvalidConfig("transport", "неверная стратегия кандидатов").WithCause(err)
		}
		m.resolvers = f
	}
	if cfg.EnableDTLS {
		id, err := security.NewIdentity()
		if err != nil {
			return nil, err
		}
		m.identity = id
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	in, unsubscribe := conn.Subscribe(func(iq *xmpp.IQ) bool {
		if iq.Type != xmpp.IQSet {
			return false
		}
		name, ok := iq.PayloadName()
		return ok && name == jingleName
	})
	m.unsubscribe = unsubscribe

	m.wg.Add(3)
	go m.run(in)
	go m.reap()
	go m.watchConnection()

	m.log.Info(m.ctx, "менеджер Jingle запущен",
		logging.String("resolver", cfg.Transport.Kind), logging.Bool("dtls", cfg.EnableDTLS))
	return m, nil
}

// Metrics метрики менеджера
func (m *Manager) Metrics() *Metrics { return m.metrics }

// AddSessionRequestListener регистрирует слушателя входящих запросов
func (m *Manager) AddSessionRequestListener(l SessionRequestListener) {
	if l == nil {
		return
	}
	m.lmu.Lock()
	m.listeners = append(m.listeners, l)
	m.lmu.Unlock()
}

// SessionRequestListeners копия списка слушателей
func (m *Manager) SessionRequestListeners() []SessionRequestListener {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	return append([]SessionRequestListener(nil), m.listeners...)
}

// Session ищет сессию по ключу
func (m *Manager) Session(initiator, sid string) (*Session, bool) {
	return m.sessions.Get(SessionKey{Initiator: initiator, SID: sid})
}

// SessionCount число сессий в реестре, включая закрытые, но еще не убранные
func (m *Manager) SessionCount() int {
	return m.sessions.Count()
}

// CreateOutgoingSession создает сессию с responder. Без contents
// создается один content "audio". Сессия ничего не отправляет до Start.
func (m *Manager) CreateOutgoingSession(responder string, contents ...ContentSpec) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if responder == "" {
		return nil, errInvalidArgument("не задан JID собеседника")
	}
	if len(contents) == 0 {
		contents = []ContentSpec{{Name: "audio"}}
	}
	specs := make([]ContentSpec, 0, len(contents))
	seen := make(map[string]bool, len(contents))
	for _, cs := range contents {
		cs, err := cs.normalize()
		if err != nil {
			return nil, err
		}
		if seen[cs.Name] {
			return nil, ErrContentExists.WithField("content", cs.Name)
		}
		seen[cs.Name] = true
		if len(cs.Payloads) == 0 && len(m.media.Payloads(cs.Media)) == 0 {
			return nil, ErrNoPayloads
		}
		specs = append(specs, cs)
	}

	for attempt := 0; attempt < maxSIDAttempts; attempt++ {
		key := SessionKey{Initiator: m.conn.LocalJID(), SID: m.newSID()}
		if _, ok := m.sessions.Get(key); ok {
			continue
		}
		s := newSession(m, key, responder, RoleInitiator, responder)
		// сессия еще не в реестре и ее цикл не получил задач: content
		// заполняются до того, как входящие стансы смогут до нее дойти
		for _, cs := range specs {
			if _, err := s.newLocalContent(cs, element.ActionSessionInitiate); err != nil {
				s.discard()
				return nil, err
			}
		}
		if _, inserted := m.sessions.SetIfAbsent(key, s); !inserted {
			s.discard()
			continue
		}
		m.metrics.sessionCreated("outbound")
		m.log.Info(m.ctx, "исходящая сессия создана",
			logging.String("sid", key.SID), logging.String("responder", responder), logging.Int("contents", len(specs)))
		return s, nil
	}
	return nil, ErrSIDCollision
}

// Close завершает все сессии с причиной gone и останавливает фоновые задачи
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrManagerClosed
	}
	sessions := m.sessions.Snapshot()
	gone := element.NewReason(element.ReasonGone)
	for _, s := range sessions {
		s.post(func() { s.closeWith(gone, true) })
	}
	// session-terminate должны успеть уйти
	deadline := time.NewTimer(m.cfg.ReplyTimeout)
	defer deadline.Stop()
wait:
	for _, s := range sessions {
		select {
		case <-s.out.done:
		case <-deadline.C:
			m.log.Warn(m.ctx, "не все сессии успели отправить session-terminate")
			break wait
		}
	}
	m.cancel()
	m.unsubscribe()
	m.wg.Wait()
	m.log.Info(context.Background(), "менеджер Jingle остановлен", logging.Int("sessions", len(sessions)))
	return nil
}

func (m *Manager) run(in <-chan *xmpp.IQ) {
	defer m.wg.Done()
	for iq := range in {
		m.route(iq)
	}
}

// route направляет входящую стансу в сессию или создает сессию для session-initiate
func (m *Manager) route(iq *xmpp.IQ) {
	j, err := element.Unmarshal(iq.Payload)
	if err != nil {
		m.metrics.protocolError(xmpp.CondBadRequest)
		m.log.Warn(m.ctx, "неверный элемент jingle", logging.String("from", iq.From), logging.Err(err))
		m.sendReply(xmpp.ErrorFor(iq, errProtocol("", "неверный элемент jingle").Stanza()))
		return
	}
	if s, ok := m.lookup(iq, j); ok {
		if !s.deliver(iq, j) {
			m.replyClosed(iq, j)
		}
		return
	}
	if j.Action != element.ActionSessionInitiate || m.closed.Load() {
		m.metrics.protocolError(string(element.ErrUnknownSession))
		m.log.Debug(m.ctx, "станса для неизвестной сессии",
			logging.String("from", iq.From), logging.String("sid", j.SID), logging.String("action", string(j.Action)))
		m.sendReply(xmpp.ErrorFor(iq, errProtocol(element.ErrUnknownSession, "неизвестная сессия").Stanza()))
		return
	}

	initiator := j.Initiator
	if initiator == "" {
		initiator = iq.From
	}
	key := SessionKey{Initiator: initiator, SID: j.SID}
	s := newSession(m, key, m.conn.LocalJID(), RoleResponder, iq.From)
	if cur, inserted := m.sessions.SetIfAbsent(key, s); !inserted {
		s.discard()
		if !cur.deliver(iq, j) {
			m.replyClosed(iq, j)
		}
		return
	}
	m.metrics.sessionCreated("inbound")
	m.log.Info(m.ctx, "входящий запрос сессии", logging.String("sid", key.SID), logging.String("from", iq.From))
	s.deliver(iq, j)
}

// lookup ищет сессию стансы. Если initiator не указан, инициатором может
// быть как отправитель, так и эта сторона.
func (m *Manager) lookup(iq *xmpp.IQ, j *element.Jingle) (*Session, bool) {
	if j.Initiator != "" {
		return m.sessions.Get(SessionKey{Initiator: j.Initiator, SID: j.SID})
	}
	for _, initiator := range []string{iq.From, m.conn.LocalJID()} {
		if s, ok := m.sessions.Get(SessionKey{Initiator: initiator, SID: j.SID}); ok {
			return s, true
		}
	}
	return nil, false
}

// replyClosed ответ за сессию, цикл которой уже остановлен
func (m *Manager) replyClosed(iq *xmpp.IQ, j *element.Jingle) {
	if j.Action == element.ActionSessionTerminate {
		m.sendReply(xmpp.ResultFor(iq))
		return
	}
	m.sendReply(xmpp.ErrorFor(iq, errProtocol(element.ErrUnknownSession, "сессия закрыта").Stanza()))
}

// sendReply отправляет ответ на входящий запрос. Ошибки ограничены по частоте,
// чтобы поток мусора не превращался в поток ответов.
func (m *Manager) sendReply(resp *xmpp.IQ) {
	if resp.Type == xmpp.IQError && !m.replyLimiter.Allow() {
		m.log.Debug(m.ctx, "ответ-ошибка подавлен", logging.String("to", resp.To), logging.String("id", resp.ID))
		return
	}
	if resp.From == "" {
		resp.From = m.conn.LocalJID()
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReplyTimeout)
	defer cancel()
	if err := m.conn.Send(ctx, resp); err != nil {
		m.log.Debug(ctx, "не удалось отправить ответ", logging.String("to", resp.To), logging.Err(err))
	}
}

// dispatchRequest оповещает слушателей о входящем запросе. Вызывается из
// цикла сессии, поэтому слушатели работают в отдельной горутине.
func (m *Manager) dispatchRequest(s *Session) {
	req := newSessionRequest(s)
	listeners := m.SessionRequestListeners()
	go func() {
		for _, l := range listeners {
			l(req)
		}
		if req.handled() {
			return
		}
		if len(listeners) == 0 {
			s.logger.Info(context.Background(), "нет слушателей входящих запросов")
		}
		err := req.Reject(element.NewReason(element.ReasonDecline))
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.LogError(context.Background(), err, "не удалось отклонить запрос")
		}
	}()
}

// sessionClosed вызывается циклом сессии при переходе в CLOSED
func (m *Manager) sessionClosed(s *Session, reason element.Reason) {
	m.metrics.sessionClosed(string(reason.Code))
}

func (m *Manager) securityIdentity() securityIdentity {
	if m.identity == nil {
		return nil
	}
	return m.identity
}

// reap закрывает сессии, не вышедшие из PENDING за SessionDeadline, и убирает
// из реестра закрытые после паузы 2*ReapInterval
func (m *Manager) reap() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range m.sessions.Snapshot() {
				switch s.State() {
				case StatePending:
					if now.Sub(s.createdAt) >= m.cfg.SessionDeadline {
						s.expire()
					}
				case StateClosed:
					at := s.closedAt.Load()
					if at != 0 && now.Sub(time.Unix(0, at)) >= 2*m.cfg.ReapInterval {
						if m.sessions.Delete(s.key, s) {
							m.log.Debug(m.ctx, "сессия убрана из реестра", logging.String("sid", s.key.SID))
						}
					}
				}
			}
		}
	}
}

// watchConnection при потере соединения закрывает все сессии с connectivity-error
func (m *Manager) watchConnection() {
	defer m.wg.Done()
	select {
	case <-m.ctx.Done():
	case <-m.conn.Done():
		sessions := m.sessions.Snapshot()
		m.log.Warn(m.ctx, "соединение потеряно", logging.Int("sessions", len(sessions)))
		for _, s := range sessions {
			s.connectionLost()
		}
	}
}
