package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/mq2t-core/internal/infrastructure/mqtt"
)

const recordTimeout = 2 * time.Second

// Logger is the logging interface used by Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder is an mqtt.Dispatcher that logs every delivery before passing
// it on. A panic in the wrapped dispatcher is recorded in the error column
// and re-raised so the dispatch queue still sees the failure.
type Recorder struct {
	next         mqtt.Dispatcher
	repo         Repository
	clientID     string
	storePayload bool
	logger       Logger
	now          func() time.Time
}

var _ mqtt.Dispatcher = (*Recorder)(nil)

// NewRecorder wraps next. A nil next only records. Payload bytes are kept
// when storePayload is set, otherwise only their size.
func NewRecorder(next mqtt.Dispatcher, repo Repository, clientID string, storePayload bool) *Recorder {
	return &Recorder{
		next:         next,
		repo:         repo,
		clientID:     clientID,
		storePayload: storePayload,
		logger:       noopLogger{},
		now:          time.Now,
	}
}

// SetLogger sets the logger for failed inserts.
func (r *Recorder) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	r.logger = l
}

// HandleInboundMessage implements mqtt.Dispatcher.
func (r *Recorder) HandleInboundMessage(topic string, payload []byte, qos byte, retain bool) {
	rec := &Record{
		ClientID:    r.clientID,
		Topic:       topic,
		QoS:         qos,
		Retain:      retain,
		PayloadSize: len(payload),
		DeliveredAt: r.now().UTC(),
	}
	if r.storePayload {
		rec.Payload = payload
	}

	defer func() {
		if p := recover(); p != nil {
			rec.Error = fmt.Sprint(p)
			r.record(rec)
			panic(p)
		}
		r.record(rec)
	}()

	if r.next != nil {
		r.next.HandleInboundMessage(topic, payload, qos, retain)
	}
}

func (r *Recorder) record(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.repo.Create(ctx, rec); err != nil {
		r.logger.Warn("delivery not recorded", "topic", rec.Topic, "error", err)
	}
}
