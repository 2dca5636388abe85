package services

import "time"

// Policy holds the renewal rules shared by the jobs and the webhook.
type Policy struct {
	ReminderDaysBefore int
	RenewalDays        int
	MaxBatchSize       int
	SingleTimeout      time.Duration
	BatchTimeout       time.Duration
	QuietDays          []time.Weekday
	Location           *time.Location
	SiteName           string
	DashboardURL       string
}

func DefaultPolicy() Policy {
	return Policy{
		ReminderDaysBefore: 5,
		RenewalDays:        30,
		MaxBatchSize:       10,
		SingleTimeout:      24 * time.Hour,
		BatchTimeout:       48 * time.Hour,
		Location:           time.UTC,
		SiteName:           "Hadirot",
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// IsQuietDay reports whether t falls on a configured no-send weekday.
func (p Policy) IsQuietDay(t time.Time) bool {
	wd := t.In(p.loc()).Weekday()
	for _, d := range p.QuietDays {
		if d == wd {
			return true
		}
	}
	return false
}

func (p Policy) Messages() Messages {
	return Messages{
		SiteName:     p.SiteName,
		RenewalDays:  p.RenewalDays,
		DashboardURL: p.DashboardURL,
		Location:     p.loc(),
	}
}
