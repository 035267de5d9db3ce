package convert

import (
	"fmt"
	"path/filepath"
	"strings"
)

// invocation は1回の外部ツール呼び出しと、その成果物の場所です。
type invocation struct {
	name   string
	args   []string
	output string
}

// commandTemplate は取得済みの入力から外部ツール呼び出しを組み立てます。
type commandTemplate func(ws workspace, inputs []string) invocation

func sofficeProfileArg(ws workspace) string {
	return "-env:UserInstallation=file://" + filepath.ToSlash(ws.profileDir)
}

// sofficeOutput は LibreOffice が出力するファイル名を返します（入力のベース名 + 拡張子）。
func sofficeOutput(outDir, input, ext string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(outDir, base+ext)
}

func pdfToDOCXCommand(sofficePath string) commandTemplate {
	return func(ws workspace, inputs []string) invocation {
		return invocation{
			name: sofficePath,
			args: []string{
				sofficeProfileArg(ws),
				"--headless",
				"--infilter=writer_pdf_import",
				"--convert-to", "docx",
				"--outdir", ws.outDir,
				inputs[0],
			},
			output: sofficeOutput(ws.outDir, inputs[0], ".docx"),
		}
	}
}

func docxToPDFCommand(sofficePath string) commandTemplate {
	return func(ws workspace, inputs []string) invocation {
		return invocation{
			name: sofficePath,
			args: []string{
				sofficeProfileArg(ws),
				"--headless",
				"--convert-to", "pdf",
				"--outdir", ws.outDir,
				inputs[0],
			},
			output: sofficeOutput(ws.outDir, inputs[0], ".pdf"),
		}
	}
}

const ghostscriptOutputName = "output.pdf"

func mergeCommand(gsPath string) commandTemplate {
	return func(ws workspace, inputs []string) invocation {
		output := filepath.Join(ws.outDir, ghostscriptOutputName)
		args := []string{
			"-sDEVICE=pdfwrite",
			"-dNOPAUSE",
			"-dBATCH",
			"-dQUIET",
			fmt.Sprintf("-sOutputFile=%s", output),
		}
		args = append(args, inputs...)
		return invocation{name: gsPath, args: args, output: output}
	}
}

func compressCommand(gsPath string, preset CompressPreset) commandTemplate {
	return func(ws workspace, inputs []string) invocation {
		output := filepath.Join(ws.outDir, ghostscriptOutputName)
		return invocation{
			name:   gsPath,
			args:   ghostscriptArgs(output, inputs[0], preset),
			output: output,
		}
	}
}

func ghostscriptArgs(outputPath, inputPath string, preset CompressPreset) []string {
	setting := "/ebook"
	if preset == CompressPresetAggressive {
		setting = "/screen"
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting),
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}

// NormalizePreset は空文字を standard として扱い、未知の値を拒否します。
func NormalizePreset(p string) (CompressPreset, error) {
	switch strings.ToLower(p) {
	case "", string(CompressPresetStandard):
		return CompressPresetStandard, nil
	case string(CompressPresetAggressive):
		return CompressPresetAggressive, nil
	default:
		return "", fmt.Errorf("preset must be standard or aggressive (received: %s)", p)
	}
}
