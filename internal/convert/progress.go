package convert

// ProgressFunc は進捗更新用コールバックです。
type ProgressFunc func(percent int)

const (
	progressFetched     = 20
	progressTransformed = 80
)

func reportProgress(cb ProgressFunc, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	// 100 は成果物の保存が確定したときだけジョブ側で記録する
	if percent > 99 {
		percent = 99
	}
	cb(percent)
}
