package convert

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// detectMIME は取得した入力ファイルが期待する形式かを確認します。
func detectMIME(path, expected string) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return newError(KindInternal, "failed to inspect input file", err)
	}
	if !mtype.Is(expected) {
		return permanentError(KindInvalidInput, fmt.Sprintf("input must be %s (detected: %s)", expected, mtype.String()), nil)
	}
	return nil
}

// countPages は出力PDFを pdfcpu で読み込み、ページ数を返します。
// 読み込めないPDFは変換ツールの失敗として扱います。
func countPages(path string) (int, error) {
	pages, err := api.PageCountFile(path)
	if err != nil {
		return 0, newError(KindConversionTool, "conversion produced an unreadable PDF", err)
	}
	return pages, nil
}
