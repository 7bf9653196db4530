package profiling

import (
	"time"

	prof "github.com/go-while/go-cpu-mem-profiler"
	"go.uber.org/zap"
)

type ProcessConfig struct {
	PprofAddr   string        `yaml:"pprof_addr"`
	MemDuration time.Duration `yaml:"mem_for"`
	MemWait     time.Duration `yaml:"mem_every"`
}

// StartProcessProfiler serves pprof on PprofAddr and, when MemDuration is
// set, keeps taking memory profiles in the background. It returns nil when
// nothing is configured.
func StartProcessProfiler(cfg ProcessConfig, logger *zap.Logger) *prof.Profiler {
	if cfg.PprofAddr == "" && cfg.MemDuration <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := prof.NewProf()
	if cfg.PprofAddr != "" {
		logger.Info("serving pprof", zap.String("addr", cfg.PprofAddr))
		go p.PprofWeb(cfg.PprofAddr)
	}
	if cfg.MemDuration > 0 {
		logger.Info("starting memory profiler", zap.Duration("duration", cfg.MemDuration), zap.Duration("wait", cfg.MemWait))
		p.StartMemProfile(cfg.MemDuration, cfg.MemWait)
	}
	return p
}
