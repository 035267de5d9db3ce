package convert

// Type は変換処理の種別を表します。
type Type string

const (
	TypePDFToDOCX   Type = "pdf-to-docx"
	TypeDOCXToPDF   Type = "docx-to-pdf"
	TypePDFMerge    Type = "pdf-merge"
	TypePDFCompress Type = "pdf-compress"
)

// CompressPreset は圧縮プリセットの種類を表します。
type CompressPreset string

const (
	CompressPresetStandard   CompressPreset = "standard"
	CompressPresetAggressive CompressPreset = "aggressive"
)

const (
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// typeSpec は変換種別ごとの入出力の取り決めです。
type typeSpec struct {
	inputMIME   string
	inputExt    string
	outputExt   string
	outputMIME  string
	minInputs   int
	maxInputs   int // 0 は上限なし
	credits     int
	outputIsPDF bool
}

var typeSpecs = map[Type]typeSpec{
	TypePDFToDOCX: {
		inputMIME: MIMEPDF, inputExt: ".pdf",
		outputExt: ".docx", outputMIME: MIMEDOCX,
		minInputs: 1, maxInputs: 1, credits: 1,
	},
	TypeDOCXToPDF: {
		inputMIME: MIMEDOCX, inputExt: ".docx",
		outputExt: ".pdf", outputMIME: MIMEPDF,
		minInputs: 1, maxInputs: 1, credits: 1, outputIsPDF: true,
	},
	TypePDFMerge: {
		inputMIME: MIMEPDF, inputExt: ".pdf",
		outputExt: ".pdf", outputMIME: MIMEPDF,
		minInputs: 2, credits: 2, outputIsPDF: true,
	},
	TypePDFCompress: {
		inputMIME: MIMEPDF, inputExt: ".pdf",
		outputExt: ".pdf", outputMIME: MIMEPDF,
		minInputs: 1, maxInputs: 1, credits: 1, outputIsPDF: true,
	},
}

// Types はサポートしている変換種別を返します。
func Types() []Type {
	return []Type{TypePDFToDOCX, TypeDOCXToPDF, TypePDFMerge, TypePDFCompress}
}

// Known はサポート対象の種別かどうかを返します。
func (t Type) Known() bool {
	_, ok := typeSpecs[t]
	return ok
}

// InputMIME は入力ファイルに期待するMIMEタイプを返します。
func (t Type) InputMIME() string { return typeSpecs[t].inputMIME }

// InputExt は入力ファイルの拡張子を返します。
func (t Type) InputExt() string { return typeSpecs[t].inputExt }

// OutputExt は成果物の拡張子を返します。
func (t Type) OutputExt() string { return typeSpecs[t].outputExt }

// Credits は変換1回あたりの消費クレジットです。
func (t Type) Credits() int { return typeSpecs[t].credits }

// AcceptsInputs は入力数が種別の取り決めに合っているかを返します。
func (t Type) AcceptsInputs(n int) bool {
	rule, ok := typeSpecs[t]
	if !ok {
		return false
	}
	if n < rule.minInputs {
		return false
	}
	return rule.maxInputs == 0 || n <= rule.maxInputs
}

// OutputKey は成果物の保存先キーを返します。
func OutputKey(userID, jobID string, t Type) string {
	return "outputs/" + userID + "/" + jobID + t.OutputExt()
}

// Result は変換の成果を表します。
type Result struct {
	OutputRef   string         `json:"outputRef"`
	ContentType string         `json:"contentType"`
	Size        int64          `json:"size"`
	Meta        map[string]any `json:"meta,omitempty"`
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
