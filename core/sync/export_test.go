package syncer

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trezcool/rollcall/core"
)

func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func CronLogger(l core.Logger) cron.Logger { return cronLogger{l} }
