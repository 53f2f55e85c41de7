package server

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/GreeFine/ferrixcel/store"
)

// Scheduler 周期任务：指标日志与存储整理
type Scheduler struct {
	cron *cron.Cron
	log  *zap.SugaredLogger
}

// NewScheduler 按配置注册任务；空表达式表示不启用对应任务
func NewScheduler(coord *Coordinator, cfg Config, log *zap.SugaredLogger) (*Scheduler, error) {
	c := cron.New()
	if spec := cfg.Metrics.ReportSchedule; spec != "" {
		if _, err := c.AddFunc(spec, func() {
			log.Infow("metrics report", "metrics", coord.Metrics().Snapshot())
		}); err != nil {
			return nil, fmt.Errorf("metrics.report_schedule %q: %w", spec, err)
		}
	}
	if compactor, ok := coord.Store().(store.Compactor); ok && cfg.Store.CompactSchedule != "" {
		if _, err := c.AddFunc(cfg.Store.CompactSchedule, func() {
			if err := compactor.Compact(); err != nil {
				log.Errorf("store compaction: %v", err)
				return
			}
			log.Debug("store compacted")
		}); err != nil {
			return nil, fmt.Errorf("store.compact_schedule %q: %w", cfg.Store.CompactSchedule, err)
		}
	}
	return &Scheduler{cron: c, log: log}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop 停止调度并等待正在运行的任务结束或 ctx 到期
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Len 已注册任务数
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }
