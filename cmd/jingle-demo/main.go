// jingle-demo поднимает двух участников на внутренней XMPP-шине и проводит
// между ними сеанс Jingle с RTP поверх UDP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/arzzra/jingle/pkg/jingle"
	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/media"
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp/memtransport"
)

const (
	aliceJID = "alice@example.com/demo"
	bobJID   = "bob@example.com/demo"
)

type options struct {
	mode        string
	configPath  string
	logLevel    string
	console     bool
	duration    time.Duration
	metricsAddr string
	dropRate    float64
	latency     time.Duration
	dtls        bool
}

func main() {
	var o options
	pflag.StringVarP(&o.mode, "mode", "m", "call", "Режим: call, decline, info")
	pflag.StringVarP(&o.configPath, "config", "c", "", "YAML-конфигурация менеджеров")
	pflag.StringVar(&o.logLevel, "log-level", "", "Уровень логирования, перекрывает конфигурацию")
	pflag.BoolVar(&o.console, "console", true, "Человекочитаемый вывод логов")
	pflag.DurationVarP(&o.duration, "duration", "d", 3*time.Second, "Длительность разговора")
	pflag.StringVar(&o.metricsAddr, "metrics-addr", "", "Адрес HTTP для /metrics, например :9090")
	pflag.Float64Var(&o.dropRate, "drop-rate", 0, "Доля стансов, теряемых шиной")
	pflag.DurationVar(&o.latency, "latency", 0, "Задержка доставки стансов")
	pflag.BoolVar(&o.dtls, "dtls", false, "Объявлять DTLS-отпечатки в content")
	pflag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "jingle-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	cfg := jingle.DefaultConfig()
	if o.configPath != "" {
		loaded, err := jingle.LoadConfig(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.dtls {
		cfg.EnableDTLS = true
	}

	var logger logging.StructuredLogger
	if o.console {
		logger = logging.NewConsoleLogger(os.Stderr, cfg.Level())
	} else {
		logger = logging.NewZerologLogger(os.Stderr, cfg.Level())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := memtransport.NewBus()
	bus.SetLogger(logger)
	bus.SetDropRate(o.dropRate)
	bus.SetLatency(o.latency)
	defer bus.CloseAll()

	metrics := jingle.NewMetrics(cfg.MetricsNamespace)
	if o.metricsAddr != "" {
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.LogError(ctx, err, "сервер метрик остановлен")
			}
		}()
		defer srv.Close()
		logger.Info(ctx, "метрики доступны", logging.String("addr", o.metricsAddr))
	}

	codecs := map[string][]payload.PayloadType{
		"audio": {
			payload.NewAudio(0, "PCMU", 1, 8000),
			payload.NewAudio(8, "PCMA", 1, 8000),
		},
	}
	stats := newStatsMedia(media.NewRTPManager(codecs, logger))

	alice, err := newParticipant(bus, aliceJID, cfg, 0, stats, metrics, logger)
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := newParticipant(bus, bobJID, cfg, 1, stats, metrics, logger)
	if err != nil {
		return err
	}
	defer bob.Close()

	bob.AddSessionRequestListener(func(req *jingle.SessionRequest) {
		logger.Info(ctx, "входящий запрос",
			logging.String("from", req.From()), logging.String("sid", req.SID()))
		var err error
		if o.mode == "decline" {
			err = req.Reject(element.NewReason(element.ReasonBusy))
		} else {
			_, err = req.Accept()
		}
		if err != nil {
			logger.LogError(ctx, err, "запрос не обработан")
		}
	})

	switch o.mode {
	case "call", "decline", "info":
	default:
		return fmt.Errorf("неизвестный режим %q, доступны call, decline, info", o.mode)
	}

	s, err := alice.CreateOutgoingSession(bobJID)
	if err != nil {
		return err
	}
	established := make(chan jingle.Event, 1)
	s.OnEvent(func(ev jingle.Event) {
		fields := []logging.Field{logging.String("event", ev.Type.String()), logging.String("sid", ev.Session.SID())}
		if ev.Content != "" {
			fields = append(fields, logging.String("content", ev.Content))
		}
		if ev.Type == jingle.EventEstablished {
			fields = append(fields,
				logging.String("payload", ev.Payload.String()),
				logging.String("local", ev.Local.String()),
				logging.String("remote", ev.Remote.String()))
			select {
			case established <- ev:
			default:
			}
		}
		if ev.Type.Terminal() || ev.Type == jingle.EventContentFailed {
			fields = append(fields, logging.String("reason", ev.Reason.String()))
		}
		logger.Info(ctx, "событие сессии", fields...)
	})
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-established:
	case <-s.Done():
		logger.Info(ctx, "сессия завершена до установления", logging.String("reason", s.Reason().String()))
		return nil
	case <-ctx.Done():
		return s.Terminate(element.NewReason(element.ReasonCancel))
	}

	if o.mode == "info" {
		for _, kind := range []string{"ringing", "hold", "unhold"} {
			if err := s.SendInfo(element.NewRTPInfo(kind)); err != nil {
				logger.LogError(ctx, err, "session-info не отправлен", logging.String("info", kind))
			}
		}
	}

	select {
	case <-time.After(o.duration):
	case <-s.Done():
	case <-ctx.Done():
	}
	if err := s.Terminate(element.NewReason(element.ReasonSuccess)); err != nil && !errors.Is(err, jingle.ErrSessionClosed) {
		return err
	}
	<-s.Done()

	for name, st := range stats.snapshot() {
		logger.Info(ctx, "статистика RTP", logging.String("session", name),
			logging.Int64("sent", int64(st.sent)), logging.Int64("received", int64(st.received)))
	}
	return nil
}

// newParticipant менеджер с отдельным диапазоном портов, чтобы участники
// на одной машине не делили сокеты
func newParticipant(bus *memtransport.Bus, jid string, base *jingle.Config, idx int,
	mm media.Manager, metrics *jingle.Metrics, logger logging.StructuredLogger) (*jingle.Manager, error) {
	cfg := *base
	if cfg.Transport.Kind == transport.KindFixed && cfg.Transport.Port == 0 {
		span := (cfg.Transport.Ports.Max - cfg.Transport.Ports.Min) / 2
		cfg.Transport.Ports.Min += idx * span
		cfg.Transport.Ports.Max = cfg.Transport.Ports.Min + span - 1
	}
	return jingle.NewManager(bus.Connect(jid), mm, &cfg,
		jingle.WithLogger(logger), jingle.WithMetrics(metrics))
}

type rtpStats struct {
	sent, received uint64
}

// statsMedia запоминает созданные RTP-сессии, чтобы показать счетчики пакетов
type statsMedia struct {
	*media.RTPManager

	mu       sync.Mutex
	sessions map[string]*media.RTPSession
}

func newStatsMedia(m *media.RTPManager) *statsMedia {
	return &statsMedia{RTPManager: m, sessions: make(map[string]*media.RTPSession)}
}

func (m *statsMedia) CreateSession(pt payload.PayloadType, remote, local transport.Candidate, info media.SessionInfo) (media.Session, error) {
	ms, err := m.RTPManager.CreateSession(pt, remote, local, info)
	if err != nil {
		return nil, err
	}
	if rs, ok := ms.(*media.RTPSession); ok {
		m.mu.Lock()
		m.sessions[fmt.Sprintf("%s/%s@%s", info.SID, info.Content, local.ID)] = rs
		m.mu.Unlock()
	}
	return ms, nil
}

func (m *statsMedia) snapshot() map[string]rtpStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]rtpStats, len(m.sessions))
	for name, rs := range m.sessions {
		sent, received := rs.Stats()
		out[name] = rtpStats{sent: sent, received: received}
	}
	return out
}
