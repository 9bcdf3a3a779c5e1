package jingle

import (
	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp"
)

// handleIQ разбор входящей стансы в цикле сессии: подтверждение или ошибка
// собеседнику, затем применение действия
func (s *Session) handleIQ(iq *xmpp.IQ, j *element.Jingle) {
	if iq.From != s.peer {
		s.mgr.sendReply(xmpp.ErrorFor(iq, errProtocol(element.ErrUnknownSession, "чужая сессия").Stanza()))
		return
	}
	if resp, ok := s.replies[iq.ID]; ok {
		// повтор уже обработанной стансы
		s.mgr.sendReply(resp)
		return
	}
	log := s.logger.WithFields(logging.String("action", string(j.Action)), logging.String("id", iq.ID))
	if s.closing {
		if j.Action == element.ActionSessionTerminate {
			s.reply(iq, nil)
			return
		}
		s.reply(iq, errProtocol(element.ErrUnknownSession, "сессия закрыта").Stanza())
		return
	}
	if j.Action == element.ActionSessionInitiate && s.role == RoleResponder && !s.initiateSeen {
		s.initiateSeen = true
		s.peerKnows = true
		s.reply(iq, nil)
		s.onInitiate(j)
		return
	}
	if !actionAllowed(j.Action, s.State(), s.role, s.accepted) {
		s.violation(iq, errProtocol(element.ErrOutOfOrder, "действие недопустимо в состоянии "+s.State().String()))
		return
	}
	if err := s.checkContentNames(j); err != nil {
		s.violation(iq, err)
		return
	}
	log.Trace(s.ctx, "входящее действие")
	s.violations = 0
	s.reply(iq, nil)
	s.apply(j)
}

// checkContentNames content-add вводит новые имена, остальные действия
// обращаются только к существующим
func (s *Session) checkContentNames(j *element.Jingle) *Error {
	switch j.Action {
	case element.ActionContentAdd:
		for _, ec := range j.Contents {
			if _, ok := s.contents[ec.Name]; ok {
				return errProtocol(element.ErrOutOfOrder, "content уже существует: "+ec.Name)
			}
		}
	case element.ActionContentAccept, element.ActionContentReject, element.ActionContentModify,
		element.ActionContentRemove, element.ActionTransportInfo, element.ActionTransportReplace,
		element.ActionTransportAccept, element.ActionTransportReject:
		for _, ec := range j.Contents {
			if _, ok := s.contents[ec.Name]; !ok {
				return errProtocol(element.ErrOutOfOrder, "неизвестный content: "+ec.Name)
			}
		}
	}
	return nil
}

// violation отвечает ошибкой; после MaxProtocolViolations подряд сессия закрывается
func (s *Session) violation(iq *xmpp.IQ, err *Error) {
	s.violations++
	s.mgr.metrics.protocolError(string(err.Condition))
	s.logger.Warn(s.ctx, "нарушение протокола",
		logging.String("condition", string(err.Condition)), logging.String("detail", err.Message),
		logging.Int("violations", s.violations))
	s.reply(iq, err.WithSID(s.key.SID).Stanza())
	if s.violations >= s.mgr.cfg.MaxProtocolViolations {
		s.closeWith(element.NewReason(element.ReasonGeneralError).WithText("protocol violations"), true)
	}
}

func (s *Session) apply(j *element.Jingle) {
	switch j.Action {
	case element.ActionSessionAccept:
		s.onSessionAccept(j)
	case element.ActionSessionTerminate:
		reason := element.NewReason(element.ReasonSuccess)
		if j.Reason != nil {
			reason = *j.Reason
		}
		s.closeWith(reason, false)
	case element.ActionContentAdd:
		s.onContentAdd(j)
	case element.ActionContentAccept:
		s.onContentAccept(j)
	case element.ActionContentReject, element.ActionContentRemove:
		code := element.ReasonSuccess
		if j.Action == element.ActionContentReject {
			code = element.ReasonDecline
		}
		reason := element.NewReason(code)
		if j.Reason != nil {
			reason = *j.Reason
		}
		for _, ec := range j.Contents {
			if c, ok := s.contents[ec.Name]; ok {
				s.events.emit(Event{Type: EventContentRemoved, Session: s, Content: c.name, Reason: reason})
				s.dropContent(c, reason, false)
			}
			if s.closing {
				return
			}
		}
	case element.ActionContentModify:
		for _, ec := range j.Contents {
			if c, ok := s.contents[ec.Name]; ok && ec.Senders.Valid() {
				s.applySenders(c, ec.Senders)
			}
		}
	case element.ActionTransportInfo:
		for _, ec := range j.Contents {
			s.onTransportInfo(s.contents[ec.Name], ec)
		}
	case element.ActionTransportReplace:
		for _, ec := range j.Contents {
			s.onTransportReplace(s.contents[ec.Name], ec)
		}
	case element.ActionTransportAccept, element.ActionTransportReject:
		s.logger.Debug(s.ctx, "ответ на замену транспорта", logging.String("action", string(j.Action)))
	default:
		if j.Action.Informational() {
			s.events.emit(Event{Type: EventInfo, Session: s, Action: j.Action, Info: j.Info})
		}
	}
}

// onInitiate первая станса входящей сессии: content без поддерживаемого
// приложения или транспорта не создаются
func (s *Session) onInitiate(j *element.Jingle) {
	unsupported := element.ReasonUnsupportedApplications
	for _, ec := range j.Contents {
		if _, ok := s.contents[ec.Name]; ok {
			continue
		}
		if _, code, ok := s.newRemoteContent(ec, element.ActionSessionAccept); !ok {
			s.logger.Info(s.ctx, "content не поддерживается",
				logging.String("content", ec.Name), logging.String("reason", string(code)))
			unsupported = code
		}
	}
	if len(s.contents) == 0 {
		s.closeWith(element.NewReason(unsupported), true)
		return
	}
	s.mgr.dispatchRequest(s)
}

func (s *Session) onSessionAccept(j *element.Jingle) {
	if j.Responder != "" {
		s.responder.Store(j.Responder)
	}
	s.accepted = true
	byName := make(map[string]element.Content, len(j.Contents))
	for _, ec := range j.Contents {
		byName[ec.Name] = ec
	}
	for _, c := range s.list() {
		if c.announce != element.ActionSessionInitiate {
			continue
		}
		ec, ok := byName[c.name]
		if !ok {
			// content, не вошедший в session-accept, собеседник отклонил
			s.failContent(c, element.ReasonIncompatibleParameters)
		} else {
			s.acceptRemote(c, ec)
		}
		if s.closing {
			return
		}
	}
	s.checkActive()
}

// acceptRemote ответ собеседника на предложенный content
func (s *Session) acceptRemote(c *Content, ec element.Content) {
	c.setRemote(ec)
	pt, ok := payload.Negotiate(c.local, c.remote)
	if !ok {
		c.logger.Info(s.ctx, "собеседник не выбрал ни одного из предложенных кодеков")
		s.failContent(c, element.ReasonIncompatibleParameters)
		return
	}
	c.setPayload(pt)
	s.armContentTimer(c)
	s.maybeProbe(c)
}

func (s *Session) onContentAdd(j *element.Jingle) {
	for _, ec := range j.Contents {
		if !s.mgr.cfg.AutoAcceptContentAdd {
			reason := element.NewReason(element.ReasonDecline)
			s.send(&element.Jingle{
				Action:   element.ActionContentReject,
				Contents: []element.Content{{Creator: ec.Creator, Name: ec.Name, Disposition: ec.Disposition}},
				Reason:   &reason,
			})
			continue
		}
		c, code, ok := s.newRemoteContent(ec, element.ActionContentAccept)
		if !ok {
			reason := element.NewReason(code)
			s.send(&element.Jingle{
				Action:   element.ActionContentReject,
				Contents: []element.Content{{Creator: ec.Creator, Name: ec.Name, Disposition: ec.Disposition}},
				Reason:   &reason,
			})
			continue
		}
		pt, ok := payload.Negotiate(c.local, c.remote)
		if !ok {
			s.failContent(c, element.ReasonIncompatibleParameters)
			continue
		}
		c.setPayload(pt)
		s.events.emit(Event{Type: EventContentAdded, Session: s, Content: c.name})
		s.startResolve(c)
	}
}

func (s *Session) onContentAccept(j *element.Jingle) {
	for _, ec := range j.Contents {
		c := s.contents[ec.Name]
		if c == nil || c.announce != element.ActionContentAdd || c.hasRemote {
			continue
		}
		s.acceptRemote(c, ec)
		if s.closing {
			return
		}
		if !c.terminated() {
			s.events.emit(Event{Type: EventContentAdded, Session: s, Content: c.name})
		}
	}
}

func (s *Session) onTransportInfo(c *Content, ec element.Content) {
	if c == nil || c.terminated() || ec.Transport == nil {
		return
	}
	if used := element.CandidateUsed(ec.Transport); used != "" {
		if !s.ownsCandidate(c, used) {
			c.logger.Warn(s.ctx, "candidate-used ссылается на чужого кандидата", logging.String("id", used))
		} else if c.peerUsed == "" {
			c.peerUsed = used
			s.tryActivate(c)
		}
	}
	if c.active() {
		return
	}
	if c.addRemoteCandidates(ec.Transport) {
		c.logger.Debug(s.ctx, "новые кандидаты собеседника", logging.Int("total", len(c.remoteCand)))
		s.restartProbe(c)
	}
}

func (s *Session) ownsCandidate(c *Content, id string) bool {
	if c.result == nil {
		return false
	}
	for _, lc := range c.result.Candidates {
		if lc.ID == id {
			return true
		}
	}
	return false
}

// onTransportReplace новый транспорт собеседника для неактивного content;
// активный content транспорт не меняет
func (s *Session) onTransportReplace(c *Content, ec element.Content) {
	if c == nil || c.terminated() {
		return
	}
	ref := element.Content{Creator: c.creator, Name: c.name, Disposition: c.disposition}
	if c.result != nil {
		ref.Transport = c.result.ToElement(c.generation)
	}
	switch ec.Transport.(type) {
	case *element.ICEUDPTransport, *element.RawUDPTransport:
	default:
		s.send(&element.Jingle{Action: element.ActionTransportReject, Contents: []element.Content{ref}})
		return
	}
	if c.active() {
		s.send(&element.Jingle{Action: element.ActionTransportReject, Contents: []element.Content{ref}})
		return
	}
	c.remoteCand, c.remotePwd = transport.FromTransport(ec.Transport)
	c.peerUsed = ""
	c.clearPair()
	s.send(&element.Jingle{Action: element.ActionTransportAccept, Contents: []element.Content{ref}})
	c.stopProbe()
	s.maybeProbe(c)
}

// onSendError собеседник ответил ошибкой на исходящую стансу
func (s *Session) onSendError(j *element.Jingle, se *xmpp.StanzaError) {
	if s.closing {
		return
	}
	switch j.Action {
	case element.ActionSessionInitiate, element.ActionSessionAccept:
		code := element.ReasonGeneralError
		if se.Condition == xmpp.CondServiceUnavailable {
			code = element.ReasonConnectivityError
		}
		s.closeWith(element.NewReason(code).WithText(se.Error()), false)
	case element.ActionContentAdd:
		for _, ec := range j.Contents {
			if c, ok := s.contents[ec.Name]; ok {
				reason := element.NewReason(element.ReasonFailedApplication)
				s.events.emit(Event{Type: EventContentFailed, Session: s, Content: c.name, Reason: reason})
				s.dropContent(c, reason, false)
			}
			if s.closing {
				return
			}
		}
	}
}
