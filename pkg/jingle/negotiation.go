package jingle

import (
	"context"
	"time"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/media"
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
)

// batchAction действие, которым уходят начальные content этой стороны
func (s *Session) batchAction() element.Action {
	if s.role == RoleInitiator {
		return element.ActionSessionInitiate
	}
	return element.ActionSessionAccept
}

// newLocalContent создает content этой стороны с кодеками медиа-менеджера
func (s *Session) newLocalContent(spec ContentSpec, announce element.Action) (*Content, error) {
	local := spec.Payloads
	if len(local) == 0 {
		local = s.mgr.media.Payloads(spec.Media)
	}
	if len(local) == 0 {
		return nil, ErrNoPayloads
	}
	c := newContent(s, spec.Name, s.role.creator(), spec.Disposition, spec.Media, spec.Senders)
	c.local = local
	c.announce = announce
	s.addContent(c)
	return c, nil
}

// newRemoteContent создает content по элементу собеседника. false, если
// описание или транспорт не поддерживаются.
func (s *Session) newRemoteContent(ec element.Content, announce element.Action) (*Content, element.ReasonCode, bool) {
	desc, ok := ec.Description.(*element.RTPDescription)
	if !ok {
		return nil, element.ReasonUnsupportedApplications, false
	}
	switch ec.Transport.(type) {
	case *element.ICEUDPTransport, *element.RawUDPTransport:
	default:
		return nil, element.ReasonUnsupportedTransports, false
	}
	senders := ec.Senders
	if senders == "" {
		senders = element.SendersBoth
	}
	c := newContent(s, ec.Name, ec.Creator, ec.Disposition, desc.Media, senders)
	c.local = s.mgr.media.Payloads(desc.Media)
	c.announce = announce
	c.setRemote(ec)
	s.addContent(c)
	return c, "", true
}

func (s *Session) startResolve(c *Content) {
	r := s.mgr.resolvers(s.key.SID, c.name)
	c.resolver = r
	c.startedAt = time.Now()
	s.armContentTimer(c)
	c.logger.Debug(s.ctx, "разрешение кандидатов", logging.String("resolver", r.Kind()))
	r.Resolve(s.ctx, func(res transport.Result, err error) {
		if !s.post(func() { s.onResolved(c, r, res, err) }) {
			res.Release()
		}
	})
}

func (s *Session) onResolved(c *Content, r transport.Resolver, res transport.Result, err error) {
	s.mgr.metrics.resolverResult(r.Kind(), err)
	if s.closing || c.terminated() || c.resolver != r {
		res.Release()
		return
	}
	c.resolver = nil
	if err != nil {
		c.logger.Warn(s.ctx, "не удалось получить кандидатов", logging.Err(err))
		s.failContent(c, element.ReasonFailedTransport)
		return
	}
	c.result = &res
	prober := transport.NewProber(res, transport.ProberConfig{
		Interval: s.mgr.cfg.ProbeInterval,
		Tries:    s.mgr.cfg.ProbeTries,
		Logger:   c.logger,
	})
	if err := prober.Listen(s.ctx); err != nil {
		prober.Close()
		c.logger.Warn(s.ctx, "не удалось открыть сокеты кандидатов", logging.Err(err))
		s.failContent(c, element.ReasonFailedTransport)
		return
	}
	c.prober = prober
	c.logger.Debug(s.ctx, "кандидаты готовы", logging.Int("count", len(res.Candidates)))
	s.flushAnnouncements()
}

// flushAnnouncements отправляет локальную информацию content, у которых
// готовы кандидаты. Начальные content уходят одной стансой.
func (s *Session) flushAnnouncements() {
	if s.closing {
		return
	}
	batch := s.batchAction()
	batchReady := (s.role == RoleInitiator && s.started) || (s.role == RoleResponder && s.accepted)
	if batchReady && !s.batchSent {
		var pending []*Content
		ready := true
		for _, c := range s.list() {
			if c.announce != batch || c.announced {
				continue
			}
			if c.result == nil {
				ready = false
				break
			}
			pending = append(pending, c)
		}
		if ready && len(pending) > 0 {
			s.announce(batch, pending)
			s.batchSent = true
			if batch == element.ActionSessionInitiate {
				s.peerKnows = true
			}
		}
	}
	for _, c := range s.list() {
		if c.announced || c.result == nil {
			continue
		}
		if c.announce == element.ActionContentAdd || c.announce == element.ActionContentAccept {
			s.announce(c.announce, []*Content{c})
		}
	}
}

func (s *Session) announce(action element.Action, cs []*Content) {
	answer := action == element.ActionSessionAccept || action == element.ActionContentAccept
	j := &element.Jingle{Action: action}
	for _, c := range cs {
		j.Contents = append(j.Contents, c.element(answer, s.mgr.securityIdentity()))
		c.announced = true
		if c.fsm.Can(evSendLocal) {
			c.event(evSendLocal)
		}
		if action == element.ActionSessionInitiate && !c.hasRemote {
			// ответа на session-initiate ждем в пределах SessionDeadline
			c.stopTimer()
		}
	}
	s.logger.Debug(s.ctx, "отправка локальной информации",
		logging.String("action", string(action)), logging.Int("contents", len(cs)))
	s.send(j)
	for _, c := range cs {
		s.maybeProbe(c)
	}
}

// maybeProbe запускает проверку связности, когда известны обе стороны
func (s *Session) maybeProbe(c *Content) {
	if !c.announced || !c.hasRemote || c.prober == nil || c.probing || c.active() {
		return
	}
	if _, ok := c.Pair(); ok {
		return
	}
	c.probeGen++
	gen := c.probeGen
	ctx, cancel := context.WithCancel(s.ctx)
	c.probeCancel = cancel
	c.probing = true
	c.prober.Probe(ctx, c.remoteCand, c.remotePwd, func(p transport.Pair, err error) {
		s.post(func() { s.onProbe(c, gen, p, err) })
	})
}

// restartProbe перезапускает проверку с обновленным списком кандидатов
func (s *Session) restartProbe(c *Content) {
	if !c.probing {
		s.maybeProbe(c)
		return
	}
	c.stopProbe()
	s.maybeProbe(c)
}

func (s *Session) onProbe(c *Content, gen int, p transport.Pair, err error) {
	if s.closing || c.terminated() || gen != c.probeGen {
		return
	}
	c.probing = false
	s.mgr.metrics.probeResult(err)
	if err != nil {
		c.logger.Warn(s.ctx, "ни одна пара кандидатов не ответила", logging.Err(err))
		s.failContent(c, element.ReasonConnectivityError)
		return
	}
	c.setPair(p)
	c.logger.Debug(s.ctx, "связность подтверждена",
		logging.String("local", p.Local.String()), logging.String("remote", p.Remote.String()))
	used := &element.ICEUDPTransport{CandidateUsed: p.Remote.ID}
	if c.result != nil {
		used.Ufrag, used.Pwd = c.result.Ufrag, c.result.Pwd
	}
	s.send(&element.Jingle{
		Action:   element.ActionTransportInfo,
		Contents: []element.Content{{Creator: c.creator, Name: c.name, Disposition: c.disposition, Transport: used}},
	})
	s.tryActivate(c)
}

// tryActivate переводит content в active, когда выбраны кодек и своя пара
// и собеседник сообщил о своей
func (s *Session) tryActivate(c *Content) {
	if c.fsm.Current() != string(ContentHasRemoteInfo) || c.peerUsed == "" {
		return
	}
	pair, ok := c.Pair()
	if !ok {
		return
	}
	pt, ok := c.Payload()
	if !ok {
		return
	}
	c.stopProbe()
	if c.prober != nil {
		c.prober.Close()
		c.prober = nil
	}

	ms, err := s.mgr.media.CreateSession(pt, pair.Remote, pair.Local, media.SessionInfo{
		SID:       s.key.SID,
		Initiator: s.key.Initiator,
		Responder: s.Responder(),
		Content:   c.name,
		Media:     c.media,
	})
	if err == nil {
		err = ms.Initialize()
	}
	if err != nil {
		c.logger.LogError(s.ctx, err, "не удалось создать медиа-сессию")
		s.failContent(c, element.ReasonMediaError)
		return
	}
	c.mediaSession = ms
	c.stopTimer()
	c.event(evContentOn)
	s.mgr.metrics.contentActive(c.startedAt)
	c.logger.Info(s.ctx, "content согласован", logging.String("payload", pt.String()))
	s.checkActive()
}

// checkActive переводит сессию в ACTIVE, когда активны все content с
// disposition=session, и запускает медиа
func (s *Session) checkActive() {
	if s.closing {
		return
	}
	if s.State() == StatePending {
		if !s.accepted || (s.role == RoleResponder && !s.batchSent) {
			return
		}
		n := 0
		for _, c := range s.list() {
			if c.disposition != element.DispositionSession {
				continue
			}
			if !c.active() {
				return
			}
			n++
		}
		if n == 0 {
			return
		}
		if err := s.fsm.Event(s.ctx, evActivate); err != nil {
			s.logger.LogError(s.ctx, err, "переход в ACTIVE отклонен")
			return
		}
		s.logger.Info(s.ctx, "сессия установлена")
	}
	if s.State() != StateActive {
		return
	}
	for _, c := range s.list() {
		if c.active() && !c.mediaStarted {
			s.startMedia(c)
		}
	}
}

func (s *Session) startMedia(c *Content) {
	ms := c.mediaSession
	err := ms.StartReceive()
	if err == nil {
		err = ms.StartTransmit()
	}
	if err == nil {
		err = ms.SetTransmit(c.Senders().Sends(s.role.creator()))
	}
	if err != nil {
		c.logger.LogError(s.ctx, err, "не удалось запустить медиа")
		s.failContent(c, element.ReasonMediaError)
		return
	}
	c.mediaStarted = true
	pair, _ := c.Pair()
	pt, _ := c.Payload()
	s.events.emit(Event{
		Type:    EventEstablished,
		Session: s,
		Content: c.name,
		Payload: pt,
		Local:   pair.Local,
		Remote:  pair.Remote,
	})
}

func (s *Session) applySenders(c *Content, senders element.Senders) {
	c.setSenders(senders)
	if c.mediaStarted && c.mediaSession != nil {
		if err := c.mediaSession.SetTransmit(senders.Sends(s.role.creator())); err != nil {
			c.logger.LogError(s.ctx, err, "не удалось применить senders")
		}
	}
}

func (s *Session) armContentTimer(c *Content) {
	c.armTimer(s.mgr.cfg.ContentTimeout, func() {
		s.post(func() { s.onContentTimeout(c) })
	})
}

func (s *Session) onContentTimeout(c *Content) {
	if s.closing || c.terminated() || c.active() {
		return
	}
	reason := element.ReasonConnectivityError
	if !c.hasRemote {
		reason = element.ReasonTimeout
	}
	c.logger.Warn(s.ctx, "срок согласования content истек", logging.String("reason", string(reason)))
	s.failContent(c, reason)
}

// failContent провал согласования одного content. Сессия закрывается с той же
// причиной, если content больше не осталось.
func (s *Session) failContent(c *Content, code element.ReasonCode) {
	reason := element.NewReason(code)
	s.events.emit(Event{Type: EventContentFailed, Session: s, Content: c.name, Reason: reason})
	s.dropContent(c, reason, true)
}

// dropContent удаляет content; notify решает, сообщать ли собеседнику
func (s *Session) dropContent(c *Content, reason element.Reason, notify bool) {
	if c.terminated() {
		return
	}
	c.release()
	s.removeContent(c)
	if len(s.contents) == 0 {
		s.closeWith(reason, true)
		return
	}
	if notify && !s.closing {
		ec := element.Content{Creator: c.creator, Name: c.name, Disposition: c.disposition}
		switch {
		case c.announced:
			s.send(&element.Jingle{Action: element.ActionContentRemove, Contents: []element.Content{ec}, Reason: &reason})
		case c.creator != s.role.creator() && c.announce == element.ActionContentAccept:
			s.send(&element.Jingle{Action: element.ActionContentReject, Contents: []element.Content{ec}, Reason: &reason})
		}
	}
	s.flushAnnouncements()
	s.checkActive()
}

// accept принятие входящего запроса: выбор кодеков и запуск резолверов
func (s *Session) accept() error {
	if s.role != RoleResponder {
		return ErrNotResponder
	}
	if s.accepted {
		return ErrAlreadyAccepted
	}
	s.accepted = true
	for _, c := range s.list() {
		pt, ok := payload.Negotiate(c.local, c.remote)
		if !ok {
			c.logger.Info(s.ctx, "нет общих кодеков")
			s.failContent(c, element.ReasonIncompatibleParameters)
			if s.closing {
				return nil
			}
			continue
		}
		c.setPayload(pt)
		s.startResolve(c)
	}
	return nil
}

// closeWith переводит сессию в CLOSED. Ровно одно терминальное событие.
func (s *Session) closeWith(reason element.Reason, notify bool) {
	if s.closing {
		return
	}
	s.closing = true
	s.cancel()
	for _, c := range s.list() {
		c.release()
	}
	if err := s.fsm.Event(context.Background(), evClose); err != nil {
		s.logger.LogError(context.Background(), err, "переход в CLOSED отклонен")
	}
	if notify && s.peerKnows {
		s.send(&element.Jingle{Action: element.ActionSessionTerminate, Reason: &reason})
	}
	s.out.finish()

	s.reason.Store(reason)
	s.closedAt.Store(time.Now().UnixNano())
	ev := terminalEvent(reason, s.accepted)
	s.logger.Info(context.Background(), "сессия закрыта",
		logging.String("reason", reason.String()), logging.String("event", ev.String()))
	s.events.emit(Event{Type: ev, Session: s, Reason: reason})
	s.events.finish()
	s.mgr.sessionClosed(s, reason)
}
