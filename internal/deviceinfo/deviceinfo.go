// Package deviceinfo describes the device a session runs on. The record is
// recomputed on every use rather than cached: it is cheap to build and must
// reflect the live environment.
package deviceinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// DeviceInfo is the device descriptor attached to session registrations and
// duplicate-login notifications.
type DeviceInfo struct {
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	Device    string `json:"device"`
	UserAgent string `json:"userAgent"`
}

// Parse classifies a user-agent string supplied by an embedding shell
// (webview or browser wrapper). Unrecognized parts stay "Unknown".
func Parse(ua string) DeviceInfo {
	info := DeviceInfo{
		UserAgent: ua,
		Browser:   "Unknown",
		OS:        "Unknown",
		Device:    "Desktop",
	}

	lower := strings.ToLower(ua)
	has := func(token string) bool { return strings.Contains(lower, strings.ToLower(token)) }

	// Browser detection order matters: Chrome-derived UAs also contain
	// "Safari", Opera and Edge also contain "Chrome".
	switch {
	case has("OPR") || has("Opera"):
		info.Browser = "Opera"
	case has("Edg"):
		info.Browser = "Microsoft Edge"
	case has("Firefox"):
		info.Browser = "Firefox"
	case has("SamsungBrowser"):
		info.Browser = "Samsung Browser"
	case has("UCBrowser"):
		info.Browser = "UC Browser"
	case has("Safari") && !has("Chrome"):
		info.Browser = "Safari"
	case has("Chrome"):
		info.Browser = "Chrome"
	case has("MSIE") || has("Trident"):
		info.Browser = "Internet Explorer"
	}

	switch {
	case has("Windows NT 10.0"):
		info.OS = "Windows 10"
	case has("Windows NT 6.3"):
		info.OS = "Windows 8.1"
	case has("Windows NT 6.2"):
		info.OS = "Windows 8"
	case has("Windows NT 6.1"):
		info.OS = "Windows 7"
	case has("Windows"):
		info.OS = "Windows"
	case has("CrOS"):
		info.OS = "ChromeOS"
	case has("Mac OS X") || has("Macintosh"):
		info.OS = "macOS"
	case has("Android"):
		info.OS = "Android"
	case has("iPhone") || has("iPad") || has("iPod"):
		info.OS = "iOS"
	case has("Linux"):
		info.OS = "Linux"
	}

	if has("Mobile") || has("iPhone") || has("iPod") || has("IEMobile") || has("Opera Mini") {
		info.Device = "Mobile"
	}
	// Tablets: iPad, or Android without the Mobile token.
	if has("iPad") || (has("Android") && !has("Mobile")) {
		info.Device = "Tablet"
	}

	return info
}

// Collect builds the descriptor from the live host, for deployments where
// the engine runs as a native agent rather than inside a browser shell.
func Collect(agentVersion string) DeviceInfo {
	osName := runtime.GOOS
	platform := ""
	hostname := "unknown-host"

	if info, err := host.Info(); err == nil && info != nil {
		hostname = info.Hostname
		if info.Platform != "" {
			platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		}
	}
	if platform == "" {
		platform = osName
	}

	return DeviceInfo{
		Browser:   "SessionGuard Agent",
		OS:        platform,
		Device:    hostname,
		UserAgent: fmt.Sprintf("sessionguard-agent/%s (%s; %s)", agentVersion, platform, runtime.GOARCH),
	}
}
