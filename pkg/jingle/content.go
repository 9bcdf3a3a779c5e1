package jingle

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/media"
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
)

// ContentSpec параметры content, который создает эта сторона
type ContentSpec struct {
	Name string
	// Media тип приложения RTP, по умолчанию audio
	Media       string
	Senders     element.Senders
	Disposition string
	// Payloads кодеки; пустой список означает кодеки медиа-менеджера
	Payloads []payload.PayloadType
}

func (cs ContentSpec) normalize() (ContentSpec, error) {
	if cs.Name == "" {
		return cs, errInvalidArgument("имя content не задано")
	}
	if cs.Media == "" {
		cs.Media = "audio"
	}
	if cs.Senders == "" {
		cs.Senders = element.SendersBoth
	}
	if !cs.Senders.Valid() {
		return cs, errInvalidArgument("неверное значение senders: " + string(cs.Senders))
	}
	if cs.Disposition == "" {
		cs.Disposition = element.DispositionSession
	}
	return cs, nil
}

// Content один согласуемый поток сессии. Публичные методы безопасны
// для вызова из любой горутины; остальное состояние принадлежит циклу сессии.
type Content struct {
	session     *Session
	name        string
	creator     element.Creator
	disposition string
	media       string
	logger      logging.StructuredLogger

	mu         sync.RWMutex
	state      ContentState
	senders    element.Senders
	negotiated payload.PayloadType
	hasPayload bool
	pair       transport.Pair
	hasPair    bool
	remoteFP   *element.DTLSFingerprint

	fsm *fsm.FSM

	// announce действие, которым локальная информация уходит собеседнику
	announce  element.Action
	announced bool

	local       []payload.PayloadType
	remote      []payload.PayloadType
	hasRemote   bool
	remoteCand  []transport.Candidate
	remotePwd   string
	remoteSetup string

	resolver    transport.Resolver
	result      *transport.Result
	prober      *transport.Prober
	probeCancel context.CancelFunc
	probing     bool
	probeGen    int
	peerUsed    string
	generation  int

	mediaSession media.Session
	mediaStarted bool

	timer     *time.Timer
	startedAt time.Time
}

func newContent(s *Session, name string, creator element.Creator, disposition, mediaType string, senders element.Senders) *Content {
	c := &Content{
		session:     s,
		name:        name,
		creator:     creator,
		disposition: disposition,
		media:       mediaType,
		senders:     senders,
		state:       ContentCreated,
		startedAt:   time.Now(),
		logger:      s.logger.WithFields(logging.String("content", name)),
	}
	c.fsm = newContentFSM(func(st ContentState) {
		c.mu.Lock()
		c.state = st
		c.mu.Unlock()
	})
	return c
}

// Name имя content, уникальное в сессии
func (c *Content) Name() string { return c.name }

func (c *Content) Creator() element.Creator { return c.creator }

func (c *Content) Media() string { return c.media }

func (c *Content) Disposition() string { return c.disposition }

func (c *Content) State() ContentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Content) Senders() element.Senders {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.senders
}

// Payload согласованный кодек
func (c *Content) Payload() (payload.PayloadType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiated, c.hasPayload
}

// Pair подтвержденная пара кандидатов
func (c *Content) Pair() (transport.Pair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pair, c.hasPair
}

// RemoteFingerprint отпечаток DTLS, объявленный собеседником
func (c *Content) RemoteFingerprint() *element.DTLSFingerprint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteFP
}

func (c *Content) terminated() bool { return c.fsm.Current() == string(ContentTerminated) }

func (c *Content) active() bool { return c.fsm.Current() == string(ContentActive) }

func (c *Content) event(name string) {
	if err := c.fsm.Event(context.Background(), name); err != nil {
		c.logger.Debug(context.Background(), "переход content отклонен",
			logging.String("event", name), logging.String("state", c.fsm.Current()), logging.Err(err))
	}
}

func (c *Content) setPayload(pt payload.PayloadType) {
	c.mu.Lock()
	c.negotiated, c.hasPayload = pt, true
	c.mu.Unlock()
}

func (c *Content) setPair(p transport.Pair) {
	c.mu.Lock()
	c.pair, c.hasPair = p, true
	c.mu.Unlock()
}

func (c *Content) clearPair() {
	c.mu.Lock()
	c.pair, c.hasPair = transport.Pair{}, false
	c.mu.Unlock()
}

func (c *Content) setSenders(s element.Senders) {
	c.mu.Lock()
	c.senders = s
	c.mu.Unlock()
}

// setRemote принимает описание и транспорт собеседника
func (c *Content) setRemote(ec element.Content) {
	if desc, ok := ec.Description.(*element.RTPDescription); ok {
		c.remote = desc.Payloads
		if desc.Media != "" {
			c.media = desc.Media
		}
	}
	if ec.Transport != nil {
		c.remoteCand, c.remotePwd = transport.FromTransport(ec.Transport)
	}
	if fp, ok := ec.Security.(*element.DTLSFingerprint); ok {
		c.mu.Lock()
		c.remoteFP = fp
		c.mu.Unlock()
		c.remoteSetup = fp.Setup
	}
	c.hasRemote = true
	if c.fsm.Can(evRemoteInfo) {
		c.event(evRemoteInfo)
	}
}

// addRemoteCandidates добавляет кандидатов из transport-info; true, если список изменился
func (c *Content) addRemoteCandidates(t element.Transport) bool {
	cands, pwd := transport.FromTransport(t)
	if pwd != "" {
		c.remotePwd = pwd
	}
	changed := false
	for _, nc := range cands {
		dup := false
		for _, oc := range c.remoteCand {
			if oc.ID == nc.ID {
				dup = true
				break
			}
		}
		if !dup {
			c.remoteCand = append(c.remoteCand, nc)
			changed = true
		}
	}
	return changed
}

// element представление content для исходящей стансы. Отвечающая на
// предложение сторона отправляет единственный выбранный кодек.
func (c *Content) element(answer bool, identity securityIdentity) element.Content {
	ec := element.Content{
		Creator:     c.creator,
		Disposition: c.disposition,
		Name:        c.name,
		Senders:     c.Senders(),
	}
	desc := &element.RTPDescription{Media: c.media, Payloads: c.local}
	if pt, ok := c.Payload(); ok && answer {
		desc.Payloads = []payload.PayloadType{pt}
	}
	ec.Description = desc
	if c.result != nil {
		ec.Transport = c.result.ToElement(c.generation)
	}
	if identity != nil {
		setup := setupOffer
		if answer {
			setup = answerSetup(c.remoteSetup)
		}
		if fp, err := identity.Fingerprint(setup); err == nil {
			ec.Security = fp
		} else {
			c.logger.LogError(context.Background(), err, "не удалось получить отпечаток DTLS")
		}
	}
	return ec
}

func (c *Content) armTimer(d time.Duration, fire func()) {
	c.stopTimer()
	c.timer = time.AfterFunc(d, fire)
}

func (c *Content) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Content) stopProbe() {
	if c.probeCancel != nil {
		c.probeCancel()
		c.probeCancel = nil
	}
	// результат отмененной проверки устаревает
	c.probeGen++
	c.probing = false
}

// release освобождает все ресурсы content; после него content не используется
func (c *Content) release() {
	c.stopTimer()
	if c.resolver != nil {
		c.resolver.Cancel()
	}
	c.stopProbe()
	if c.prober != nil {
		c.prober.Close()
		c.prober = nil
	}
	if c.mediaSession != nil {
		if err := c.mediaSession.StopTransmit(); err != nil {
			c.logger.LogError(context.Background(), err, "ошибка остановки передачи")
		}
		if err := c.mediaSession.StopReceive(); err != nil {
			c.logger.LogError(context.Background(), err, "ошибка остановки приема")
		}
		c.mediaSession = nil
	}
	if c.result != nil {
		c.result.Release()
	}
	if !c.terminated() {
		c.event(evContentEnd)
	}
}
