// Package anomaly は記録済みのフラグ情報からアカウントの不審利用の深刻度を判定する。
package anomaly

import "github.com/hitoshi/studypulse/internal/model"

// IPFlagThreshold はMedium以上と判定するIPフラグ件数の下限。
const IPFlagThreshold = 3

// Classify はフラグ状態から深刻度を返す。I/Oを行わない純粋関数。
func Classify(flags model.FlagState) model.Severity {
	manyIPs := len(flags.IPFlags) >= IPFlagThreshold
	loginBurst := len(flags.LoginFlags) > 0

	switch {
	case manyIPs && loginBurst:
		return model.SeverityHighDanger
	case manyIPs:
		return model.SeverityMedium
	case loginBurst:
		return model.SeverityLow
	default:
		return model.SeverityNone
	}
}
