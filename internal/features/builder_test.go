package features

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

var testCategories = map[string][]string{
	"leak":       {"wikileaks.org"},
	"job_search": {"monster.com", "careerbuilder.com"},
}

func testOptions() Options {
	return Options{
		Location:         time.UTC,
		WorkdayStartHour: 8,
		WorkdayEndHour:   18,
		DomainCategories: testCategories,
	}
}

func ev(user string, ts time.Time, typ types.EventType, pc string) types.NormalizedEvent {
	return types.NormalizedEvent{ID: user + ts.String(), UserID: user, Timestamp: ts, Type: typ, PC: pc, Role: "Engineer"}
}

func at(day, hour, min int) time.Time {
	// 2010-01-04 is a Monday
	return time.Date(2010, 1, day, hour, min, 0, 0, time.UTC)
}

func TestNewSchema(t *testing.T) {
	s := NewSchema(testCategories)
	require.Len(t, s.Names, len(baseNames)+4)
	assert.Equal(t, LogonCount, s.Names[0])
	assert.Equal(t, "http_job_search_count", s.Names[len(baseNames)])
	assert.Equal(t, "http_leak_count", s.Names[len(baseNames)+1])
	assert.Equal(t, "http_job_search_upload_count", s.Names[len(baseNames)+2])
	assert.Equal(t, "http_leak_upload_count", s.Names[len(baseNames)+3])

	assert.Equal(t, s.Version, NewSchema(testCategories).Version)
	assert.NotEqual(t, s.Version, NewSchema(nil).Version)
}

func TestBuilder_FullGrid(t *testing.T) {
	var events []types.NormalizedEvent
	for _, u := range []string{"CCC0003", "AAA0001", "BBB0002"} {
		for d := 4; d <= 8; d++ {
			events = append(events, ev(u, at(d, 9, 0), types.EventLogon, "PC-1"))
		}
	}
	// BBB0002 is idle on the 6th
	events = slices.DeleteFunc(events, func(e types.NormalizedEvent) bool {
		return e.UserID == "BBB0002" && e.Timestamp.Day() == 6
	})

	table, st := BuildTable(slices.Values(events), testOptions())
	require.Len(t, table.Vectors, 15)
	assert.Equal(t, 15, st.Vectors)
	assert.Equal(t, 3, st.Users)
	assert.Equal(t, 5, st.Days)

	for i := 1; i < len(table.Vectors); i++ {
		assert.True(t, table.Vectors[i-1].Key().Less(table.Vectors[i].Key()))
	}
	idle := table.Vectors[5+2]
	assert.Equal(t, "BBB0002", idle.User)
	assert.Equal(t, types.Day("2010-01-06"), idle.Day)
	assert.Equal(t, 0.0, table.Schema.Value(idle, TotalEvents))
	assert.Equal(t, float64(NoActivityHour), table.Schema.Value(idle, FirstActivityHour))
	assert.Equal(t, float64(NoActivityHour), table.Schema.Value(idle, LastActivityHour))
	assert.Equal(t, "Engineer", idle.Role)
}

func TestBuilder_Deterministic(t *testing.T) {
	events := []types.NormalizedEvent{
		ev("AAA0001", at(4, 7, 30), types.EventLogon, "PC-1"),
		ev("AAA0001", at(4, 19, 0), types.EventDeviceConnect, "PC-2"),
		ev("BBB0002", at(5, 12, 0), types.EventLogoff, "PC-3"),
	}
	a, _ := BuildTable(slices.Values(events), testOptions())

	reversed := slices.Clone(events)
	slices.Reverse(reversed)
	b, _ := BuildTable(slices.Values(reversed), testOptions())

	assert.Equal(t, a, b)
}

func TestBuilder_Aggregates(t *testing.T) {
	http := func(ts time.Time, domain string, typ types.EventType) types.NormalizedEvent {
		e := ev("AAA0001", ts, typ, "PC-1")
		e.Categorical = map[string]string{types.PayloadDomain: domain}
		e.Numeric = map[string]float64{types.PayloadBytes: 10}
		return e
	}
	email := ev("AAA0001", at(4, 10, 0), types.EventEmailSend, "PC-1")
	email.Numeric = map[string]float64{
		types.PayloadRecipients: 3, types.PayloadExternalRecipients: 2,
		types.PayloadAttachments: 1, types.PayloadBytes: 2048,
	}
	file := ev("AAA0001", at(4, 20, 0), types.EventFileCopy, "PC-2")
	file.Categorical = map[string]string{types.PayloadExtension: "exe"}
	file.Numeric = map[string]float64{types.PayloadBytes: 100}
	opened := ev("AAA0001", at(4, 20, 5), types.EventFileOpen, "PC-2")
	opened.Categorical = map[string]string{types.PayloadExtension: "exe"}

	events := []types.NormalizedEvent{
		ev("AAA0001", at(4, 7, 0), types.EventLogon, "PC-1"),
		ev("AAA0001", at(4, 22, 0), types.EventDeviceConnect, "PC-2"),
		ev("AAA0001", at(4, 22, 5), types.EventDeviceDisconnect, "PC-2"),
		email,
		file,
		opened,
		http(at(4, 11, 0), "wikileaks.org", types.EventHTTPVisit),
		http(at(4, 11, 1), "wikileaks.org", types.EventHTTPUpload),
		http(at(4, 11, 2), "jobs.monster.com", types.EventHTTPVisit),
		http(at(4, 11, 3), "example.com", types.EventHTTPDownload),
	}
	table, _ := BuildTable(slices.Values(events), testOptions())
	require.Len(t, table.Vectors, 1)
	v, s := table.Vectors[0], table.Schema

	want := map[string]float64{
		LogonCount:                     1,
		AfterHoursLogonCount:           1,
		DeviceConnectCount:             1,
		DeviceDisconnectCount:          1,
		AfterHoursDeviceCount:          1,
		EmailCount:                     1,
		EmailRecipientCount:            3,
		EmailExternalRecipientCount:    2,
		EmailAttachmentCount:           1,
		EmailBytes:                     2048,
		FileCount:                      2,
		FileExeCopyCount:               1,
		FileBytes:                      100,
		HTTPCount:                      4,
		HTTPDistinctDomains:            3,
		HTTPBytes:                      40,
		HTTPUploadCount:                1,
		DistinctPCs:                    2,
		TotalEvents:                    10,
		AfterHoursEvents:               5,
		FirstActivityHour:              7,
		LastActivityHour:               22,
		IsWeekend:                      0,
		"http_leak_count":              2,
		"http_job_search_count":        1,
		"http_leak_upload_count":       1,
		"http_job_search_upload_count": 0,
	}
	for name, val := range want {
		assert.Equal(t, val, s.Value(v, name), name)
	}
	assert.InDelta(t, 0.5, s.Value(v, AfterHoursRatio), 1e-12)
}

func TestBuilder_Window(t *testing.T) {
	opts := testOptions()
	opts.WindowStart = "2010-01-05"
	opts.WindowEnd = "2010-01-10"
	events := []types.NormalizedEvent{
		ev("AAA0001", at(4, 9, 0), types.EventLogon, "PC-1"),
		ev("AAA0001", at(9, 9, 0), types.EventLogon, "PC-1"),
		ev("AAA0001", at(11, 9, 0), types.EventLogon, "PC-1"),
	}
	table, st := BuildTable(slices.Values(events), opts)
	assert.Len(t, table.Vectors, 6)
	assert.Equal(t, 2, st.OutsideWindow)
	// 2010-01-09 is a Saturday
	sat := table.Vectors[4]
	assert.Equal(t, types.Day("2010-01-09"), sat.Day)
	assert.Equal(t, 1.0, table.Schema.Value(sat, IsWeekend))
	assert.Equal(t, 1.0, table.Schema.Value(sat, AfterHoursEvents))
}

func TestBuilder_Empty(t *testing.T) {
	table, st := BuildTable(slices.Values([]types.NormalizedEvent(nil)), testOptions())
	assert.Empty(t, table.Vectors)
	assert.Equal(t, 0, st.Vectors)
	assert.NotEmpty(t, table.Schema.Names)
}

func TestMatchDomain(t *testing.T) {
	assert.True(t, MatchDomain("wikileaks.org", []string{"wikileaks.org"}))
	assert.True(t, MatchDomain("mirror.wikileaks.org", []string{"wikileaks.org"}))
	assert.False(t, MatchDomain("notwikileaks.org", []string{"wikileaks.org"}))
	assert.False(t, MatchDomain("wikileaks.org", []string{" "}))
}
