package backup

import (
	"context"
	"sync"
	"time"

	logger "github.com/rs/zerolog/log"
)

var log = logger.With().Str("component", "backup").Logger()

// BackuperOptions groups the configuration for the backupers a Scheduler spawns.
type BackuperOptions struct {
	SourcePath string
	BackupDir  string
	Opts       []Option
}

// Scheduler executes backups at a regular interval.
type Scheduler struct {
	NotificationCh chan bool

	tickerFrequency time.Duration
	opts            BackuperOptions
	notify          bool
	// control
	close     chan struct{}
	closeOnce sync.Once
}

// NewScheduler creates a new backup scheduler.
func NewScheduler(frequency time.Duration, opts BackuperOptions, notify bool) (*Scheduler, error) {
	// Fail fast on a bad configuration instead of on the first tick.
	if _, err := NewBackuper(opts.SourcePath, opts.BackupDir, opts.Opts...); err != nil {
		return nil, err
	}
	return &Scheduler{
		NotificationCh: make(chan bool),

		tickerFrequency: frequency,
		opts:            opts,
		notify:          notify,
		close:           make(chan struct{}),
	}, nil
}

// Run starts the scheduler and listens for a shutdown call.
func (s *Scheduler) Run() {
	log.Info().Msg("starting backup scheduler")

	period := s.tickerFrequency
	for {
		select {
		case <-s.close:
			log.Info().Msg("closing backup scheduler")
			return
		case <-time.After(period):
		}

		startTime := time.Now()
		s.backup()
		if s.notify {
			s.NotificationCh <- true
		}
		period = s.tickerFrequency - time.Since(startTime)
		if period < 0 {
			period = 0
		}
	}
}

// Shutdown gracefully shutdowns the scheduler.
func (s *Scheduler) Shutdown() {
	s.closeOnce.Do(func() {
		s.close <- struct{}{}
		close(s.close)
	})
}

func (s *Scheduler) backup() {
	backuper, err := NewBackuper(s.opts.SourcePath, s.opts.BackupDir, s.opts.Opts...)
	if err != nil {
		log.Error().Err(err).Msg("creating backuper")
		return
	}
	if err := backuper.Init(); err != nil {
		log.Error().Err(err).Msg("initializing backuper")
		return
	}
	result, err := backuper.Backup(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
	} else {
		log.Info().
			Str("path", result.Path).
			Int64("elapsed_time", result.ElapsedTime.Milliseconds()).
			Int64("elapsed_time_vacuum", result.VacuumElapsedTime.Milliseconds()).
			Int64("size", result.Size).
			Int64("size_vacuum", result.SizeAfterVacuum).
			Msg("backup succeeded")
	}

	if err := backuper.Close(); err != nil {
		log.Error().Err(err).Msg("closing backup")
	}
}
