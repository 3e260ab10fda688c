// Package features aggregates normalized events into one feature vector per
// user and calendar day.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Base feature names, in schema order.
const (
	LogonCount                  = "logon_count"
	LogoffCount                 = "logoff_count"
	AfterHoursLogonCount        = "after_hours_logon_count"
	DeviceConnectCount          = "device_connect_count"
	DeviceDisconnectCount       = "device_disconnect_count"
	AfterHoursDeviceCount       = "after_hours_device_count"
	EmailCount                  = "email_count"
	EmailRecipientCount         = "email_recipient_count"
	EmailExternalRecipientCount = "email_external_recipient_count"
	EmailAttachmentCount        = "email_attachment_count"
	EmailBytes                  = "email_bytes"
	FileCount                   = "file_count"
	FileExeCopyCount            = "file_exe_copy_count"
	FileBytes                   = "file_bytes"
	HTTPCount                   = "http_count"
	HTTPDistinctDomains         = "http_distinct_domains"
	HTTPBytes                   = "http_bytes"
	HTTPUploadCount             = "http_upload_count"
	DistinctPCs                 = "distinct_pcs"
	TotalEvents                 = "total_events"
	AfterHoursEvents            = "after_hours_events"
	AfterHoursRatio             = "after_hours_ratio"
	FirstActivityHour           = "first_activity_hour"
	LastActivityHour            = "last_activity_hour"
	IsWeekend                   = "is_weekend"
)

var baseNames = []string{
	LogonCount, LogoffCount, AfterHoursLogonCount,
	DeviceConnectCount, DeviceDisconnectCount, AfterHoursDeviceCount,
	EmailCount, EmailRecipientCount, EmailExternalRecipientCount, EmailAttachmentCount, EmailBytes,
	FileCount, FileExeCopyCount, FileBytes,
	HTTPCount, HTTPDistinctDomains, HTTPBytes, HTTPUploadCount,
	DistinctPCs, TotalEvents, AfterHoursEvents, AfterHoursRatio,
	FirstActivityHour, LastActivityHour, IsWeekend,
}

// NoActivityHour is the first/last activity hour of a day without events.
const NoActivityHour = -1

// CategoryFeature names the per-day visit count of a domain category.
func CategoryFeature(category string) string {
	return "http_" + category + "_count"
}

// CategoryUploadFeature names the per-day upload count to a domain category.
func CategoryUploadFeature(category string) string {
	return "http_" + category + "_upload_count"
}

// SortedCategories returns the category names in schema order.
func SortedCategories(categories map[string][]string) []string {
	names := make([]string, 0, len(categories))
	for c := range categories {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// NewSchema returns the feature schema for the given domain categories.
// The version is a content hash of the ordered names, so two tables share a
// version exactly when their columns line up.
func NewSchema(categories map[string][]string) types.FeatureSchema {
	names := append([]string(nil), baseNames...)
	sorted := SortedCategories(categories)
	for _, c := range sorted {
		names = append(names, CategoryFeature(c))
	}
	for _, c := range sorted {
		names = append(names, CategoryUploadFeature(c))
	}
	return types.FeatureSchema{Version: SchemaVersion(names), Names: names}
}

// SchemaVersion hashes an ordered list of feature names.
func SchemaVersion(names []string) string {
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:8])
}
