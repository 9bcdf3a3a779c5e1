package jingle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/security"
	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp"
)

const (
	setupOffer = security.SetupActPass
	// maxRememberedReplies сколько ответов на входящие стансы хранится для повторов
	maxRememberedReplies = 64
)

var answerSetup = security.AnswerSetup

type securityIdentity interface {
	Fingerprint(setup string) (*element.DTLSFingerprint, error)
}

// Session одна сессия Jingle между инициатором и отвечающей стороной.
//
// Все изменения состояния выполняет собственная горутина сессии: входящие
// стансы, вызовы API, результаты резолверов и проверок связности ставятся
// в ее очередь и применяются строго по одному. События уходят обработчикам
// из отдельной горутины.
type Session struct {
	mgr       *Manager
	key       SessionKey
	role      Role
	peer      string
	logger    logging.StructuredLogger
	createdAt time.Time

	state     atomic.Value // SessionState
	closedAt  atomic.Int64
	responder atomic.Value // string
	reason    atomic.Value // element.Reason

	mb     *mailbox[func()]
	done   chan struct{}
	out    *outbox
	events *eventQueue

	cmu      sync.RWMutex
	contents map[string]*Content
	order    []string

	// поля ниже принадлежат циклу сессии
	fsm          *fsm.FSM
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	initiateSeen bool
	accepted     bool
	batchSent    bool
	peerKnows    bool
	closing      bool
	violations   int
	replies      map[string]*xmpp.IQ
	replyOrder   []string
}

func newSession(m *Manager, key SessionKey, responder string, role Role, peer string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		mgr:       m,
		key:       key,
		role:      role,
		peer:      peer,
		createdAt: time.Now(),
		mb:        newMailbox[func()](),
		done:      make(chan struct{}),
		events:    newEventQueue(),
		contents:  make(map[string]*Content),
		ctx:       ctx,
		cancel:    cancel,
		replies:   make(map[string]*xmpp.IQ),
	}
	s.logger = m.logger.WithComponent("session").WithFields(
		logging.String("sid", key.SID),
		logging.String("initiator", key.Initiator),
		logging.String("peer", peer),
		logging.String("role", string(role)),
	)
	s.state.Store(StatePending)
	s.responder.Store(responder)
	s.fsm = newSessionFSM(func(st SessionState) { s.state.Store(st) })
	s.out = newOutbox(s)
	go s.out.run()
	go s.loop()
	return s
}

// Key ключ сессии (initiator, sid)
func (s *Session) Key() SessionKey { return s.key }

func (s *Session) SID() string { return s.key.SID }

func (s *Session) Initiator() string { return s.key.Initiator }

func (s *Session) Responder() string { return s.responder.Load().(string) }

// Peer JID собеседника
func (s *Session) Peer() string { return s.peer }

func (s *Session) Role() Role { return s.role }

func (s *Session) State() SessionState { return s.state.Load().(SessionState) }

// Equal сессии равны, если совпадают инициатор и sid, независимо от соединения
func (s *Session) Equal(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.key == o.key
}

// Reason причина завершения; для незакрытой сессии нулевое значение
func (s *Session) Reason() element.Reason {
	if r, ok := s.reason.Load().(element.Reason); ok {
		return r
	}
	return element.Reason{}
}

// Done закрывается, когда сессия перешла в CLOSED и ее цикл остановлен
func (s *Session) Done() <-chan struct{} { return s.done }

// Contents снимок content в порядке создания
func (s *Session) Contents() []*Content {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	out := make([]*Content, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.contents[name])
	}
	return out
}

// Content content по имени
func (s *Session) Content(name string) (*Content, bool) {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	c, ok := s.contents[name]
	return c, ok
}

// OnEvent регистрирует обработчик событий. События, возникшие до первой
// регистрации, достаются первому обработчику.
func (s *Session) OnEvent(h EventHandler) {
	if h != nil {
		s.events.subscribe(h)
	}
}

// Start запускает исходящую сессию: резолверы работают в фоне, session-initiate
// уходит, когда у всех content готовы кандидаты. Не блокирует на сети.
func (s *Session) Start(ctx context.Context) error {
	if s.role != RoleInitiator {
		return ErrNotInitiator
	}
	return s.do(ctx, func() error {
		if s.started {
			return ErrAlreadyStarted
		}
		s.started = true
		for _, c := range s.list() {
			s.startResolve(c)
		}
		return nil
	})
}

// Terminate закрывает сессию с причиной reason. session-terminate уходит,
// если собеседник уже знает о сессии.
func (s *Session) Terminate(reason element.Reason) error {
	if err := reason.Validate(); err != nil {
		return errInvalidArgument("причина завершения").WithCause(err)
	}
	return s.do(context.Background(), func() error {
		s.closeWith(reason, true)
		return nil
	})
}

// AddContent добавляет content в уже запущенную сессию (content-add)
func (s *Session) AddContent(spec ContentSpec) error {
	spec, err := spec.normalize()
	if err != nil {
		return err
	}
	return s.do(context.Background(), func() error {
		if (s.role == RoleInitiator && !s.started) || (s.role == RoleResponder && !s.accepted) {
			return ErrNotStarted
		}
		if _, ok := s.contents[spec.Name]; ok {
			return ErrContentExists
		}
		c, err := s.newLocalContent(spec, element.ActionContentAdd)
		if err != nil {
			return err
		}
		s.startResolve(c)
		return nil
	})
}

// RemoveContent удаляет content (content-remove). Удаление последнего content
// завершает сессию.
func (s *Session) RemoveContent(name string) error {
	return s.do(context.Background(), func() error {
		c, ok := s.contents[name]
		if !ok {
			return ErrContentNotFound
		}
		reason := element.NewReason(element.ReasonSuccess)
		s.events.emit(Event{Type: EventContentRemoved, Session: s, Content: name, Reason: reason})
		s.dropContent(c, reason, true)
		return nil
	})
}

// ModifyContent меняет политику senders (content-modify)
func (s *Session) ModifyContent(name string, senders element.Senders) error {
	if !senders.Valid() {
		return errInvalidArgument("неверное значение senders: " + string(senders))
	}
	return s.do(context.Background(), func() error {
		c, ok := s.contents[name]
		if !ok {
			return ErrContentNotFound
		}
		s.applySenders(c, senders)
		if s.peerKnows {
			s.send(&element.Jingle{
				Action:   element.ActionContentModify,
				Contents: []element.Content{{Creator: c.creator, Name: c.name, Senders: senders, Disposition: c.disposition}},
			})
		}
		return nil
	})
}

// SendInfo отправляет session-info с полезной нагрузкой info (ringing, hold, mute ...)
func (s *Session) SendInfo(info *element.RawElement) error {
	if info == nil {
		return errInvalidArgument("пустой info")
	}
	return s.do(context.Background(), func() error {
		if !s.peerKnows {
			return ErrNotStarted
		}
		s.send(&element.Jingle{Action: element.ActionSessionInfo, Info: info})
		return nil
	})
}

// do выполняет fn в цикле сессии и ждет результата
func (s *Session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	ok := s.mb.push(func() {
		if s.closing {
			errc <- ErrSessionClosed
			return
		}
		errc <- fn()
	})
	if !ok {
		return ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post ставит fn в очередь; false, если сессия уже остановлена
func (s *Session) post(fn func()) bool {
	return s.mb.push(fn)
}

// deliver передает входящую стансу циклу сессии
func (s *Session) deliver(iq *xmpp.IQ, j *element.Jingle) bool {
	return s.post(func() { s.handleIQ(iq, j) })
}

func (s *Session) loop() {
	for range s.mb.ready() {
		batch := s.mb.drain()
		for i, fn := range batch {
			fn()
			if s.closing {
				// задачи, не успевшие выполниться, видят закрытую сессию
				for _, rest := range append(batch[i+1:], s.mb.close()...) {
					rest()
				}
				close(s.done)
				return
			}
		}
	}
}

func (s *Session) list() []*Content {
	out := make([]*Content, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.contents[name])
	}
	return out
}

func (s *Session) addContent(c *Content) {
	s.cmu.Lock()
	s.contents[c.name] = c
	s.order = append(s.order, c.name)
	s.cmu.Unlock()
}

func (s *Session) removeContent(c *Content) {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if s.contents[c.name] != c {
		return
	}
	delete(s.contents, c.name)
	for i, name := range s.order {
		if name == c.name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// send дополняет стансу атрибутами сессии и ставит в исходящую очередь
func (s *Session) send(j *element.Jingle) {
	j.SID = s.key.SID
	j.Initiator = s.key.Initiator
	j.Responder = s.Responder()
	s.out.push(j)
}

// reply отвечает на входящий запрос и запоминает ответ для повторов с тем же id
func (s *Session) reply(iq *xmpp.IQ, se *xmpp.StanzaError) {
	var resp *xmpp.IQ
	if se == nil {
		resp = xmpp.ResultFor(iq)
	} else {
		resp = xmpp.ErrorFor(iq, se)
	}
	if _, ok := s.replies[iq.ID]; !ok {
		s.replyOrder = append(s.replyOrder, iq.ID)
		if len(s.replyOrder) > maxRememberedReplies {
			delete(s.replies, s.replyOrder[0])
			s.replyOrder = s.replyOrder[1:]
		}
	}
	s.replies[iq.ID] = resp
	s.mgr.sendReply(resp)
}

func (s *Session) closed() bool {
	return s.State() == StateClosed
}

// expire вызывается сборщиком для сессии, не вышедшей из PENDING вовремя
func (s *Session) expire() {
	s.post(func() {
		if !s.closing && s.State() == StatePending {
			s.logger.Info(s.ctx, "срок согласования сессии истек")
			s.closeWith(element.NewReason(element.ReasonTimeout), true)
		}
	})
}

// connectionLost закрывает сессию без отправки стансы: соединения уже нет
func (s *Session) connectionLost() {
	s.post(func() {
		if !s.closing {
			s.closeWith(element.NewReason(element.ReasonConnectivityError), false)
		}
	})
}

// discard останавливает сессию, не попавшую в реестр: без событий и стансов
func (s *Session) discard() {
	s.post(func() {
		s.closing = true
		s.cancel()
		s.out.finish()
		s.events.finish()
	})
}
