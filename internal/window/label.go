package window

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// UnknownApp is the label used when nothing can be resolved
const UnknownApp = "Unknown"

// knownApps maps lower-cased WM_CLASS values to display names
var knownApps = map[string]string{
	"firefox":               "Firefox",
	"navigator":             "Firefox",
	"google-chrome":         "Chrome",
	"chromium":              "Chromium",
	"chromium-browser":      "Chromium",
	"brave-browser":         "Brave",
	"microsoft-edge":        "Edge",
	"discord":               "Discord",
	"slack":                 "Slack",
	"spotify":               "Spotify",
	"telegramdesktop":       "Telegram",
	"org.telegram.desktop":  "Telegram",
	"signal":                "Signal",
	"zoom":                  "Zoom",
	"steam":                 "Steam",
	"vlc":                   "VLC",
	"mpv":                   "mpv",
	"obs":                   "OBS Studio",
	"thunderbird":           "Thunderbird",
	"code":                  "VS Code",
	"org.gnome.nautilus":    "Files",
	"org.kde.dolphin":       "Dolphin",
	"gnome-terminal-server": "Terminal",
	"konsole":               "Konsole",
	"com.obsproject.studio": "OBS Studio",
	"tiktok":                "TikTok",
	"youtube":               "YouTube",
	"instagram":             "Instagram",
	"whatsapp":              "WhatsApp",
	"netflix":               "Netflix",
}

// Label turns a window class into a display name. Known classes use a
// fixed name; anything else becomes its last dotted segment, title-cased.
func Label(class string) string {
	class = strings.TrimSpace(class)
	if class == "" {
		return UnknownApp
	}
	if name, ok := knownApps[strings.ToLower(class)]; ok {
		return name
	}

	segment := class
	if i := strings.LastIndex(class, "."); i >= 0 {
		segment = class[i+1:]
	}
	if segment == "" {
		return UnknownApp
	}

	r, size := utf8.DecodeRuneInString(segment)
	return string(unicode.ToUpper(r)) + segment[size:]
}

// LabelFor names the application owning info
func LabelFor(info *Info) string {
	if info == nil {
		return UnknownApp
	}
	if info.Class != "" {
		return Label(info.Class)
	}
	return Label(info.Instance)
}
