package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MyDira/Hadirot-sub006/config"
	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/robfig/cron/v3"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// CommandQueue is the operator command table.
type CommandQueue interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	commands CommandQueue
	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once
	paused   atomic.Bool

	reminderWorker Triggerable
	sweepWorker    Triggerable
}

func New(cfg config.SchedulerConfig, loc *time.Location, commands CommandQueue) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cfg:      cfg,
		commands: commands,
		cron:     cron.New(cron.WithLocation(loc)),
		stopCh:   make(chan struct{}),
	}
}

// SetWorkers registers the job workers fired by cron and by commands
func (s *Scheduler) SetWorkers(reminders, sweep Triggerable) {
	s.reminderWorker = reminders
	s.sweepWorker = sweep
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.commands != nil {
		go s.pollCommands(ctx)
	}

	scheduled := 0
	if s.cfg.ReminderCron != "" && s.reminderWorker != nil {
		log.Printf("Scheduling reminders with cron: %s", s.cfg.ReminderCron)
		if _, err := s.cron.AddFunc(s.cfg.ReminderCron, func() { s.fire(models.JobReminders, s.reminderWorker) }); err != nil {
			return fmt.Errorf("invalid reminder cron expression: %w", err)
		}
		scheduled++
	}
	if s.cfg.SweepCron != "" && s.sweepWorker != nil {
		log.Printf("Scheduling sweep with cron: %s", s.cfg.SweepCron)
		if _, err := s.cron.AddFunc(s.cfg.SweepCron, func() { s.fire(models.JobSweep, s.sweepWorker) }); err != nil {
			return fmt.Errorf("invalid sweep cron expression: %w", err)
		}
		scheduled++
	}

	if scheduled == 0 {
		log.Println("No schedule configured, daemon will only respond to commands and HTTP triggers")
		return nil
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// fire triggers a scheduled run unless an operator paused the scheduler.
func (s *Scheduler) fire(job string, w Triggerable) {
	if s.paused.Load() {
		log.Printf("Scheduler paused, skipping scheduled %s run", job)
		return
	}
	w.Trigger()
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands() {
	cmds, err := s.commands.GetPendingCommands()
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("Processing command: %s", cmd.Command)
		if err := s.handleCommand(&cmd); err != nil {
			log.Printf("Command error: %v", err)
		}
		if err := s.commands.MarkCommandProcessed(cmd.ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
		}
	}
}

// Commands run even while paused; pause only silences cron.
func (s *Scheduler) handleCommand(cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdRunReminders:
		if s.reminderWorker == nil {
			return fmt.Errorf("no reminder worker registered")
		}
		s.reminderWorker.Trigger()
		log.Println("Reminder worker triggered via command")
	case models.CmdRunSweep:
		if s.sweepWorker == nil {
			return fmt.Errorf("no sweep worker registered")
		}
		s.sweepWorker.Trigger()
		log.Println("Sweep worker triggered via command")
	case models.CmdPause:
		s.paused.Store(true)
		log.Println("Scheduler paused via command")
	case models.CmdResume:
		s.paused.Store(false)
		log.Println("Scheduler resumed via command")
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
	return nil
}
