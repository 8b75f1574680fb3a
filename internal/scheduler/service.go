// Package scheduler runs named cron/interval maintenance jobs for plugins.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "repeatbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid scheduler timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.c.Start()
	s.log.Debug("scheduler started", logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// AddCron registers a job with a cron spec. The returned id can be logged;
// there is no removal API (plugins live as long as their jobs).
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return "", errors.New("scheduler not running")
	}
	id, err := s.c.AddFunc(spec, s.wrap(name, timeout, job))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(int(id)), nil
}

// AddInterval registers a job that fires every `every`.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return "", errors.New("scheduler not running")
	}
	id := s.c.Schedule(cron.Every(every), cron.FuncJob(s.wrap(name, timeout, job)))
	return strconv.Itoa(int(id)), nil
}

func (s *Service) wrap(name string, timeout time.Duration, job func(ctx context.Context) error) func() {
	return func() {
		s.mu.Lock()
		base := s.runCtx
		s.mu.Unlock()
		if base == nil {
			return
		}

		ctx := base
		var cancel context.CancelFunc
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(base, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled job",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()

		start := time.Now()
		if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduled job failed", logx.String("job", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		s.log.Debug("scheduled job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}
}
