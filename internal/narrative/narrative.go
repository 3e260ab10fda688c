// Package narrative renders each user's daily activity as a short English
// summary, one text per entity-day with activity.
package narrative

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

const (
	clockLayout = "15:04:05"
	topDomains  = 3
)

// Narrative is the summary of one entity-day.
type Narrative struct {
	Day  types.Day `json:"date"`
	User string    `json:"user"`
	Text string    `json:"narrative"`
}

// Build summarizes an event stream ordered by user then timestamp, as
// produced by ingestion. Out-of-order input is an error.
func Build(events iter.Seq[types.NormalizedEvent], loc *time.Location) ([]Narrative, error) {
	if loc == nil {
		loc = time.UTC
	}
	var (
		out  []Narrative
		day  *daySummary
		prev types.EntityDay
	)
	for ev := range events {
		key := types.EntityDay{User: ev.UserID, Day: types.DayOf(ev.Timestamp, loc)}
		if day != nil && key != prev {
			if key.Less(prev) {
				return nil, fmt.Errorf("narrative: events out of order: %s after %s", key, prev)
			}
			out = append(out, day.finish())
			day = nil
		}
		if day == nil {
			day = newDaySummary(key, loc)
			prev = key
		}
		day.add(ev)
	}
	if day != nil {
		out = append(out, day.finish())
	}
	return out, nil
}

type domainCount struct {
	domain string
	count  int
}

type daySummary struct {
	key   types.EntityDay
	loc   *time.Location
	role  string
	pcs   map[string]int
	parts []string

	// pending run of consecutive web visits
	webStart, webEnd time.Time
	webVisits        int
	webDomains       []domainCount
}

func newDaySummary(key types.EntityDay, loc *time.Location) *daySummary {
	return &daySummary{key: key, loc: loc, pcs: map[string]int{}}
}

func (d *daySummary) clock(t time.Time) string {
	return t.In(d.loc).Format(clockLayout)
}

func (d *daySummary) add(ev types.NormalizedEvent) {
	if d.role == "" {
		d.role = ev.Role
	}
	if ev.PC != "" {
		d.pcs[ev.PC]++
	}
	if ev.Source == types.SourceHTTP {
		d.addVisit(ev)
		return
	}
	d.flushWeb()

	at := d.clock(ev.Timestamp)
	switch ev.Type {
	case types.EventLogon:
		d.say("Logged on at %s.", at)
	case types.EventLogoff:
		d.say("Logged off at %s.", at)
	case types.EventDeviceConnect:
		d.say("Connected a USB device at %s.", at)
	case types.EventDeviceDisconnect:
		d.say("Disconnected a USB device at %s.", at)
	case types.EventEmailSend:
		d.say("Sent an email to %d recipients (%d external) with %d attachments at %s.",
			int(ev.Num(types.PayloadRecipients)), int(ev.Num(types.PayloadExternalRecipients)),
			int(ev.Num(types.PayloadAttachments)), at)
	case types.EventFileCopy:
		d.say("Copied %s to removable media at %s.", ev.Cat(types.PayloadFilename), at)
	case types.EventFileOpen:
		d.say("Opened %s at %s.", ev.Cat(types.PayloadFilename), at)
	case types.EventFileWrite:
		d.say("Wrote %s at %s.", ev.Cat(types.PayloadFilename), at)
	case types.EventFileDelete:
		d.say("Deleted %s at %s.", ev.Cat(types.PayloadFilename), at)
	}
}

func (d *daySummary) say(format string, args ...any) {
	d.parts = append(d.parts, fmt.Sprintf(format, args...))
}

func (d *daySummary) addVisit(ev types.NormalizedEvent) {
	if d.webVisits == 0 {
		d.webStart = ev.Timestamp
	}
	d.webEnd = ev.Timestamp
	d.webVisits++
	domain := ev.Cat(types.PayloadDomain)
	for i := range d.webDomains {
		if d.webDomains[i].domain == domain {
			d.webDomains[i].count++
			return
		}
	}
	d.webDomains = append(d.webDomains, domainCount{domain: domain, count: 1})
}

func (d *daySummary) flushWeb() {
	if d.webVisits == 0 {
		return
	}
	// ties keep first-seen order
	sort.SliceStable(d.webDomains, func(i, j int) bool {
		return d.webDomains[i].count > d.webDomains[j].count
	})
	top := d.webDomains
	if len(top) > topDomains {
		top = top[:topDomains]
	}
	names := make([]string, len(top))
	for i, dc := range top {
		names[i] = fmt.Sprintf("%s (%d times)", dc.domain, dc.count)
	}
	d.say("Between %s and %s, visited %d websites, including %s.",
		d.clock(d.webStart), d.clock(d.webEnd), d.webVisits, strings.Join(names, ", "))
	d.webVisits = 0
	d.webDomains = d.webDomains[:0]
}

// mainPC is the most used machine of the day; ties go to the smallest name.
func (d *daySummary) mainPC() string {
	best, bestN := "", 0
	for pc, n := range d.pcs {
		if n > bestN || (n == bestN && pc < best) {
			best, bestN = pc, n
		}
	}
	if best == "" {
		return "Unknown PC"
	}
	return best
}

func (d *daySummary) finish() Narrative {
	d.flushWeb()
	role := d.role
	if role == "" {
		role = types.UnknownRole
	}
	header := fmt.Sprintf("User %s (Role: %s) on %s:", d.key.User, role, d.mainPC())
	return Narrative{
		Day:  d.key.Day,
		User: d.key.User,
		Text: strings.Join(append([]string{header}, d.parts...), " "),
	}
}
