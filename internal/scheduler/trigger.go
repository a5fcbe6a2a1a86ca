package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pricewatch/internal/model"
)

// WindowLayout formats a window id: the wall-clock minute in the trigger's
// reference timezone.
const WindowLayout = "2006-01-02T15:04"

var ErrInvalidTrigger = errors.New("invalid trigger")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var weekdays = map[string]string{
	"sun": "0", "sunday": "0",
	"mon": "1", "monday": "1",
	"tue": "2", "tuesday": "2",
	"wed": "3", "wednesday": "3",
	"thu": "4", "thursday": "4",
	"fri": "5", "friday": "5",
	"sat": "6", "saturday": "6",
}

// Compiled is a trigger resolved to a cron schedule in its reference zone.
type Compiled struct {
	Trigger model.Trigger
	Spec    string
	Loc     *time.Location
	sched   cron.Schedule
}

// Compile validates t and resolves it. def is the zone used when t has none.
func Compile(t model.Trigger, def *time.Location) (*Compiled, error) {
	loc := def
	if loc == nil {
		loc = time.UTC
	}
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidTrigger, tz, err)
		}
		loc = l
	}

	var spec string
	switch t.Kind {
	case model.TriggerDaily, model.TriggerWeekly:
		h, m, err := parseHHMM(t.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		dow := "*"
		if t.Kind == model.TriggerWeekly {
			d, ok := weekdays[strings.ToLower(strings.TrimSpace(t.Weekday))]
			if !ok {
				return nil, fmt.Errorf("%w: weekday %q (want mon..sun)", ErrInvalidTrigger, t.Weekday)
			}
			dow = d
		}
		spec = fmt.Sprintf("%d %d * * %s", m, h, dow)
	case model.TriggerCron:
		spec = strings.TrimSpace(t.Cron)
		if spec == "" {
			return nil, fmt.Errorf("%w: cron expression required", ErrInvalidTrigger)
		}
		if strings.HasPrefix(spec, "@every") {
			return nil, fmt.Errorf("%w: @every is not a wall-clock trigger", ErrInvalidTrigger)
		}
		if strings.HasPrefix(strings.ToUpper(spec), "CRON_TZ=") || strings.HasPrefix(strings.ToUpper(spec), "TZ=") {
			return nil, fmt.Errorf("%w: set the timezone field instead of TZ= in the expression", ErrInvalidTrigger)
		}
	default:
		return nil, fmt.Errorf("%w: kind %q (want daily, weekly or cron)", ErrInvalidTrigger, t.Kind)
	}

	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return &Compiled{Trigger: t, Spec: spec, Loc: loc, sched: sched}, nil
}

// Window returns the id of the minute containing now and whether the
// trigger fires in that minute.
func (c *Compiled) Window(now time.Time) (string, bool) {
	minute := now.In(c.Loc).Truncate(time.Minute)
	id := minute.Format(WindowLayout)
	return id, c.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// Next returns the first fire time strictly after t, in the reference zone.
func (c *Compiled) Next(t time.Time) time.Time {
	return c.sched.Next(t.In(c.Loc))
}

func parseHHMM(s string) (int, int, error) {
	v, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	return v.Hour(), v.Minute(), nil
}
