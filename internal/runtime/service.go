package runtime

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"kadoa-realtime/internal/config"
	"kadoa-realtime/internal/eventlog"
	"kadoa-realtime/internal/logging"
	"kadoa-realtime/internal/metrics"
	"kadoa-realtime/internal/realtime"
	"kadoa-realtime/internal/runctx"
	"kadoa-realtime/internal/runstatus"
	"kadoa-realtime/internal/wstransport"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	eventBufferSize    = 256
)

func UserAgent(buildVersion string) string {
	if strings.TrimSpace(buildVersion) == "" {
		buildVersion = "dev"
	}
	return "kadoa-realtime-go/" + buildVersion
}

func newListener(buildVersion string, opts config.Options, logger *logging.Logger, hooks StartHooks, out io.Writer) (*listener, error) {
	if logger == nil {
		panic("runtime.newListener: logger must not be nil")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}

	endpoints, err := config.BuildEndpoints(opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("constructed API endpoints",
		logging.Field("token_url", endpoints.TokenURL),
		logging.Field("ack_url", endpoints.AckURL),
		logging.Field("stream_url", endpoints.StreamURL),
	)

	return &listener{
		opts:      opts,
		endpoints: endpoints,
		userAgent: UserAgent(buildVersion),
		logger:    logger,
		hooks:     hooks,
		out:       out,
	}, nil
}

// listener subscribes to the realtime stream and writes every event to the
// configured outputs until its context ends.
type listener struct {
	opts      config.Options
	endpoints config.Endpoints
	userAgent string
	logger    *logging.Logger
	hooks     StartHooks
	out       io.Writer
	state     atomic.Int32
}

type receivedEvent struct {
	at    time.Time
	event realtime.Event
}

// State is the last connection state the client reported.
func (l *listener) State() realtime.State {
	return realtime.State(l.state.Load())
}

func (l *listener) RunContext(ctx context.Context) error {
	defer l.logger.Subscribe(countLogEvent)()

	events, err := eventlog.New(l.out, l.opts.EventsFile)
	if err != nil {
		return err
	}
	defer events.Close()

	if addr := strings.TrimSpace(l.opts.MetricsAddr); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, l.logger); err != nil {
				l.logger.Warn("metrics endpoint stopped", logging.Field("error", err))
			}
		}()
	}

	client, err := realtime.New(ctx, realtime.Config{
		Credential: realtime.Credential{APIKey: l.opts.APIKey, TeamAPIKey: l.opts.TeamAPIKey},
		Endpoints:  l.endpoints,
		HTTP:       &http.Client{Timeout: defaultHTTPTimeout},
		UserAgent:  l.userAgent,
		Transport: wstransport.Transport{
			Header: http.Header{"User-Agent": []string{l.userAgent}},
			Logger: l.logger,
		},
		Logger:        l.logger,
		OnStateChange: l.reportState,
	})
	if err != nil {
		return err
	}

	queue := make(chan receivedEvent, eventBufferSize)
	client.Listen(func(event realtime.Event) {
		if runctx.SendOrDrop(queue, receivedEvent{at: time.Now(), event: event}) {
			metrics.EventsDropped.Inc()
			l.logger.Warn("event output is falling behind, dropped oldest event")
		}
	})
	l.logger.Info("listening for realtime events", logging.Field("stream_url", l.endpoints.StreamURL))

	for {
		item, ok := runctx.RecvOrDone(ctx, "event writer", l.logger, queue)
		if !ok {
			break
		}
		if err := events.Write(item.at, item.event); err != nil {
			l.logger.Error("failed to write event", logging.Field("error", err))
		}
	}
	<-client.Done()
	return ctx.Err()
}

func (l *listener) reportState(state realtime.State) {
	l.state.Store(int32(state))
	status := runstatus.Label(state)
	if l.hooks.OnStatus != nil {
		l.hooks.OnStatus(status)
	}
}

func countLogEvent(event logging.Event) {
	metrics.LogEvents.WithLabelValues(strings.ToLower(event.Level.String())).Inc()
}
