package features

import (
	"iter"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Options configures the aggregation.
type Options struct {
	Location         *time.Location
	WorkdayStartHour int
	WorkdayEndHour   int
	// WindowStart and WindowEnd bound the observation window. An empty
	// bound is taken from the earliest or latest event day.
	WindowStart      types.Day
	WindowEnd        types.Day
	DomainCategories map[string][]string
}

// Stats describes a Build.
type Stats struct {
	Events        int       `json:"events"`
	OutsideWindow int       `json:"outside_window"`
	Users         int       `json:"users"`
	Days          int       `json:"days"`
	Vectors       int       `json:"vectors"`
	WindowStart   types.Day `json:"window_start"`
	WindowEnd     types.Day `json:"window_end"`
}

type accumulator struct {
	logon, logoff, afterHoursLogon      int64
	deviceConnect, deviceDisconnect     int64
	afterHoursDevice                    int64
	email, recipients, external, attach int64
	emailBytes                          int64
	file, fileExe, fileBytes            int64
	http, httpBytes, httpUpload         int64
	total, afterHours                   int64
	firstHour, lastHour                 int
	domains, pcs                        sets.Set[string]
	categories, categoryUploads         []int64
}

func newAccumulator(ncat int) *accumulator {
	return &accumulator{
		firstHour:       NoActivityHour,
		lastHour:        NoActivityHour,
		domains:         sets.New[string](),
		pcs:             sets.New[string](),
		categories:      make([]int64, ncat),
		categoryUploads: make([]int64, ncat),
	}
}

// Builder accumulates events into entity-day aggregates. Feed it with Add
// and call Build once.
type Builder struct {
	opts       Options
	schema     types.FeatureSchema
	categories []string
	accs       map[types.EntityDay]*accumulator
	roles      map[string]string
	events     int
}

// NewBuilder returns an empty Builder.
func NewBuilder(opts Options) *Builder {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Builder{
		opts:       opts,
		schema:     NewSchema(opts.DomainCategories),
		categories: SortedCategories(opts.DomainCategories),
		accs:       map[types.EntityDay]*accumulator{},
		roles:      map[string]string{},
	}
}

// Schema returns the schema of the vectors Build will produce.
func (b *Builder) Schema() types.FeatureSchema {
	return b.schema
}

// AfterHours reports whether t falls outside the working day: on a weekend,
// before the start hour or at/after the end hour.
func (b *Builder) AfterHours(t time.Time) bool {
	lt := t.In(b.opts.Location)
	if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	return lt.Hour() < b.opts.WorkdayStartHour || lt.Hour() >= b.opts.WorkdayEndHour
}

// Add folds one event into its entity-day aggregate.
func (b *Builder) Add(ev types.NormalizedEvent) {
	b.events++
	key := types.EntityDay{User: ev.UserID, Day: types.DayOf(ev.Timestamp, b.opts.Location)}
	acc, ok := b.accs[key]
	if !ok {
		acc = newAccumulator(len(b.categories))
		b.accs[key] = acc
	}
	if ev.Role != "" {
		b.roles[ev.UserID] = ev.Role
	}

	after := b.AfterHours(ev.Timestamp)
	hour := ev.Timestamp.In(b.opts.Location).Hour()
	acc.total++
	if after {
		acc.afterHours++
	}
	if acc.firstHour == NoActivityHour || hour < acc.firstHour {
		acc.firstHour = hour
	}
	if hour > acc.lastHour {
		acc.lastHour = hour
	}
	if ev.PC != "" {
		acc.pcs.Insert(ev.PC)
	}

	switch ev.Type {
	case types.EventLogon:
		acc.logon++
		if after {
			acc.afterHoursLogon++
		}
	case types.EventLogoff:
		acc.logoff++
	case types.EventDeviceConnect:
		acc.deviceConnect++
		if after {
			acc.afterHoursDevice++
		}
	case types.EventDeviceDisconnect:
		acc.deviceDisconnect++
	case types.EventEmailSend:
		acc.email++
		acc.recipients += int64(ev.Num(types.PayloadRecipients))
		acc.external += int64(ev.Num(types.PayloadExternalRecipients))
		acc.attach += int64(ev.Num(types.PayloadAttachments))
		acc.emailBytes += int64(ev.Num(types.PayloadBytes))
	case types.EventFileCopy, types.EventFileOpen, types.EventFileWrite, types.EventFileDelete:
		acc.file++
		acc.fileBytes += int64(ev.Num(types.PayloadBytes))
		if ev.Type == types.EventFileCopy && ev.Cat(types.PayloadExtension) == "exe" {
			acc.fileExe++
		}
	case types.EventHTTPVisit, types.EventHTTPDownload, types.EventHTTPUpload:
		acc.http++
		acc.httpBytes += int64(ev.Num(types.PayloadBytes))
		if ev.Type == types.EventHTTPUpload {
			acc.httpUpload++
		}
		domain := ev.Cat(types.PayloadDomain)
		if domain != "" {
			acc.domains.Insert(domain)
			for i, c := range b.categories {
				if MatchDomain(domain, b.opts.DomainCategories[c]) {
					acc.categories[i]++
					if ev.Type == types.EventHTTPUpload {
						acc.categoryUploads[i]++
					}
				}
			}
		}
	}
}

// MatchDomain reports whether domain equals one of patterns or is a
// subdomain of one.
func MatchDomain(domain string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if domain == p || strings.HasSuffix(domain, "."+p) {
			return true
		}
	}
	return false
}

// Build emits the full users × days grid of the observation window, ordered
// by user then day. Days without activity get zero counts and
// NoActivityHour. Events outside the window are counted in Stats and
// otherwise ignored.
func (b *Builder) Build() (*types.FeatureTable, Stats) {
	st := Stats{Events: b.events}
	start, end := b.window()
	st.WindowStart, st.WindowEnd = start, end

	users := sets.New[string]()
	for key, acc := range b.accs {
		if key.Day < start || key.Day > end {
			st.OutsideWindow += int(acc.total)
			continue
		}
		users.Insert(key.User)
	}
	days := types.DaysBetween(start, end)
	userList := sets.List(users)

	table := &types.FeatureTable{Schema: b.schema}
	if len(userList) == 0 || len(days) == 0 {
		return table, st
	}
	table.Vectors = make([]types.FeatureVector, 0, len(userList)*len(days))
	empty := newAccumulator(len(b.categories))
	for _, user := range userList {
		role := b.roles[user]
		if role == "" {
			role = types.UnknownRole
		}
		for _, day := range days {
			acc, ok := b.accs[types.EntityDay{User: user, Day: day}]
			if !ok {
				acc = empty
			}
			table.Vectors = append(table.Vectors, types.FeatureVector{
				User:   user,
				Day:    day,
				Role:   role,
				Values: b.values(acc, day),
			})
		}
	}
	st.Users, st.Days, st.Vectors = len(userList), len(days), len(table.Vectors)
	return table, st
}

func (b *Builder) window() (types.Day, types.Day) {
	start, end := b.opts.WindowStart, b.opts.WindowEnd
	if start != "" && end != "" {
		return start, end
	}
	keys := make([]types.Day, 0, len(b.accs))
	for k := range b.accs {
		keys = append(keys, k.Day)
	}
	if len(keys) == 0 {
		return start, end
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if start == "" {
		start = keys[0]
	}
	if end == "" {
		end = keys[len(keys)-1]
	}
	return start, end
}

func (b *Builder) values(acc *accumulator, day types.Day) []float64 {
	ratio := 0.0
	if acc.total > 0 {
		ratio = float64(acc.afterHours) / float64(acc.total)
	}
	weekend := 0.0
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1
	}
	v := []float64{
		float64(acc.logon), float64(acc.logoff), float64(acc.afterHoursLogon),
		float64(acc.deviceConnect), float64(acc.deviceDisconnect), float64(acc.afterHoursDevice),
		float64(acc.email), float64(acc.recipients), float64(acc.external), float64(acc.attach), float64(acc.emailBytes),
		float64(acc.file), float64(acc.fileExe), float64(acc.fileBytes),
		float64(acc.http), float64(acc.domains.Len()), float64(acc.httpBytes), float64(acc.httpUpload),
		float64(acc.pcs.Len()), float64(acc.total), float64(acc.afterHours), ratio,
		float64(acc.firstHour), float64(acc.lastHour), weekend,
	}
	for _, c := range acc.categories {
		v = append(v, float64(c))
	}
	for _, c := range acc.categoryUploads {
		v = append(v, float64(c))
	}
	return v
}

// BuildTable runs a Builder over a whole event stream.
func BuildTable(events iter.Seq[types.NormalizedEvent], opts Options) (*types.FeatureTable, Stats) {
	b := NewBuilder(opts)
	for ev := range events {
		b.Add(ev)
	}
	return b.Build()
}
