package service

import (
	"errors"
	"fmt"
	"strings"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/dbmover/mover/internal/model"
)

var cron5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5 field cron expression or a descriptor such as
// @daily or @every 1h.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}
	_, err := cron5.Parse(e)
	return err
}

// jobDefinition turns service.schedule into a gocron definition.
func jobDefinition(schedule *model.Schedule) (gocron.JobDefinition, error) {
	if schedule == nil {
		return nil, errors.New("service.schedule is missing")
	}
	switch {
	case schedule.Cron != "" && schedule.Duration != "":
		return nil, errors.New("service.schedule: cron and duration are mutually exclusive")
	case schedule.Cron != "":
		if err := ParseCron(schedule.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		return gocron.CronJob(strings.TrimSpace(schedule.Cron), false), nil
	case schedule.Duration != "":
		d, err := model.ParseDuration(schedule.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("service.schedule.duration must be positive")
		}
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and duration are empty")
	}
}
