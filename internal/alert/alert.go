package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Sink receives task failure notifications. Fire-and-forget: implementations
// must never block the caller and delivery failures are logged, not returned.
type Sink interface {
	Notify(taskID, accountID, message string, at time.Time)
}

type Alert struct {
	TaskID    string
	AccountID string
	Message   string
	At        time.Time
}

// DeliverFunc pushes one alert to its destination.
type DeliverFunc func(ctx context.Context, a Alert) error

// LogDeliver just writes the alert to the log; the default destination.
func LogDeliver(_ context.Context, a Alert) error {
	log.Warn().Str("task_id", a.TaskID).Str("account_id", a.AccountID).
		Time("at", a.At).Str("alert", a.Message).Msg("task alert")
	return nil
}

// Service is an async best-effort alert dispatcher: bounded queue, one worker,
// rate limited. When the queue is full the alert is dropped.
type Service struct {
	deliver  DeliverFunc
	queue    chan Alert
	limiter  *rate.Limiter
	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(deliver DeliverFunc, ratePerSec, queueSize int) *Service {
	if deliver == nil {
		deliver = LogDeliver
	}
	if ratePerSec < 1 {
		ratePerSec = 1
	}
	if queueSize < 1 {
		queueSize = 256
	}
	return &Service{
		deliver: deliver,
		queue:   make(chan Alert, queueSize),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		stop:    make(chan struct{}),
	}
}

func (s *Service) Notify(taskID, accountID, message string, at time.Time) {
	a := Alert{TaskID: taskID, AccountID: accountID, Message: message, At: at}
	select {
	case s.queue <- a:
	default:
		log.Warn().Str("task_id", taskID).Msg("alert queue full, dropping alert")
	}
}

func (s *Service) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case a := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.deliver(ctx, a); err != nil {
				log.Error().Err(err).Str("task_id", a.TaskID).Msg("alert delivery failed")
			}
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
