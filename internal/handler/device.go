package handler

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"github.com/hitoshi/studypulse/internal/model"
)

const unknownDevice = "Unknown"

// deviceFromUserAgent はUser-Agentヘッダーからブラウザ名とOS名を取り出す。
// 判別できない項目はUnknownとする。
func deviceFromUserAgent(r *http.Request) model.DeviceInfo {
	raw := r.UserAgent()
	if raw == "" {
		return model.DeviceInfo{Browser: unknownDevice, OS: unknownDevice}
	}

	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	info := model.DeviceInfo{
		Browser: strings.TrimSpace(browser),
		OS:      osFamily(ua.OS()),
	}
	if info.Browser == "" {
		info.Browser = unknownDevice
	}
	if info.OS == "" {
		info.OS = unknownDevice
	}
	return info
}

// osFamily はuseragentのOS文字列（例: "Intel Mac OS X 10_15_7"）を大分類にまとめる。
func osFamily(os string) string {
	lower := strings.ToLower(os)
	switch {
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"), strings.Contains(lower, "ios"):
		return "iOS"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.Contains(lower, "mac os"):
		return "macOS"
	case strings.Contains(lower, "windows"):
		return "Windows"
	case strings.Contains(lower, "cros"):
		return "ChromeOS"
	case strings.Contains(lower, "linux"):
		return "Linux"
	default:
		return strings.TrimSpace(os)
	}
}

// resolveDevice はクライアントが申告したデバイス情報を優先し、欠けている項目をUser-Agentで補う。
func resolveDevice(r *http.Request, declared model.DeviceInfo) model.DeviceInfo {
	declared.Browser = strings.TrimSpace(declared.Browser)
	declared.OS = strings.TrimSpace(declared.OS)
	if declared.Browser != "" && declared.OS != "" {
		return declared
	}
	parsed := deviceFromUserAgent(r)
	if declared.Browser == "" {
		declared.Browser = parsed.Browser
	}
	if declared.OS == "" {
		declared.OS = parsed.OS
	}
	return declared
}
