package services

import (
	"strings"

	"github.com/mileusna/useragent"
)

// DeviceInfo is the human-readable summary extracted from a User-Agent
// header. It labels sessions and trusted devices; the security detector
// compares it against session history.
type DeviceInfo struct {
	Browser    string
	OS         string
	DeviceType string
}

func (d DeviceInfo) Label() string {
	parts := make([]string, 0, 2)
	if d.Browser != "" && d.Browser != "Unknown" {
		parts = append(parts, d.Browser)
	}
	if d.OS != "" && d.OS != "Unknown" {
		parts = append(parts, "on "+d.OS)
	}
	if len(parts) == 0 {
		return "Unknown device"
	}
	return strings.Join(parts, " ")
}

// ParseDevice extracts browser, OS and device class from a raw User-Agent.
// Unparseable agents degrade to "Unknown" rather than failing.
func ParseDevice(rawUA string) DeviceInfo {
	ua := useragent.Parse(rawUA)

	info := DeviceInfo{
		Browser:    ua.Name,
		OS:         ua.OS,
		DeviceType: "desktop",
	}
	switch {
	case ua.Mobile:
		info.DeviceType = "mobile"
	case ua.Tablet:
		info.DeviceType = "tablet"
	case ua.Bot:
		info.DeviceType = "bot"
	}
	if info.Browser == "" {
		info.Browser = "Unknown"
	}
	if info.OS == "" {
		info.OS = "Unknown"
	}
	return info
}
