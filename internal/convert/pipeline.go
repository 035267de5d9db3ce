package convert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/yourusername/fippo/internal/storage"
)

// PipelineOptions は Pipeline の初期化パラメータです。
type PipelineOptions struct {
	Storage         storage.Client
	WorkDir         string
	URLExpiry       time.Duration
	SofficePath     string
	GhostscriptPath string
	CompressPreset  CompressPreset
	HTTPClient      *http.Client
	Logger          *log.Logger
}

// Pipeline は全変換種別に共通する「取得 → 変換 → 保存」の骨組みです。
// 種別ごとの違いは外部ツールの呼び出し方だけです。
type Pipeline struct {
	storage   storage.Client
	fetcher   fetcher
	runner    commandRunner
	inspect   func(path string) (int, error)
	workDir   string
	urlExpiry time.Duration

	sofficePath     string
	ghostscriptPath string
	compressPreset  CompressPreset

	logger *log.Logger
}

// NewPipeline は Pipeline を初期化します。
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if opts.WorkDir == "" {
		return nil, errors.New("work dir is empty")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = 10 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.CompressPreset == "" {
		opts.CompressPreset = CompressPresetStandard
	}
	if opts.SofficePath == "" {
		opts.SofficePath = "soffice"
	}
	if opts.GhostscriptPath == "" {
		opts.GhostscriptPath = "gs"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[convert] ", log.LstdFlags)
	}

	return &Pipeline{
		storage:         opts.Storage,
		fetcher:         &httpFetcher{client: opts.HTTPClient},
		runner:          &execRunner{waitDelay: 5 * time.Second},
		inspect:         countPages,
		workDir:         opts.WorkDir,
		urlExpiry:       opts.URLExpiry,
		sofficePath:     opts.SofficePath,
		ghostscriptPath: opts.GhostscriptPath,
		compressPreset:  opts.CompressPreset,
		logger:          logger,
	}, nil
}

// Converter は種別 t の変換をこの Pipeline で実行する Converter を返します。
func (p *Pipeline) Converter(t Type) (Converter, bool) {
	var tmpl commandTemplate
	switch t {
	case TypePDFToDOCX:
		tmpl = pdfToDOCXCommand(p.sofficePath)
	case TypeDOCXToPDF:
		tmpl = docxToPDFCommand(p.sofficePath)
	case TypePDFMerge:
		tmpl = mergeCommand(p.ghostscriptPath)
	case TypePDFCompress:
		tmpl = compressCommand(p.ghostscriptPath, p.compressPreset)
	default:
		return nil, false
	}
	return &pipelineConverter{p: p, t: t, tmpl: tmpl}, true
}

type pipelineConverter struct {
	p    *Pipeline
	t    Type
	tmpl commandTemplate
}

func (c *pipelineConverter) Convert(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	rule := typeSpecs[c.t]
	if !c.t.AcceptsInputs(len(req.Inputs)) {
		return nil, permanentError(KindInvalidInput, fmt.Sprintf("%s does not accept %d input(s)", c.t, len(req.Inputs)), nil)
	}

	ws, err := createWorkspace(c.p.workDir, req.JobID)
	if err != nil {
		return nil, newError(KindInternal, "failed to prepare workspace", err)
	}
	defer func() {
		if rmErr := ws.remove(); rmErr != nil {
			c.p.logger.Printf("failed to remove workspace job=%s: %v", req.JobID, rmErr)
		}
	}()

	locals, inputSize, err := c.p.fetchInputs(ctx, ws, c.t, req.Inputs)
	if err != nil {
		return nil, err
	}
	reportProgress(progress, progressFetched)

	inv := c.tmpl(ws, locals)
	if err := c.p.run(ctx, inv); err != nil {
		return nil, err
	}
	info, err := os.Stat(inv.output)
	if err != nil || info.Size() == 0 {
		return nil, newError(KindConversionTool, "conversion finished without producing an output file", err)
	}

	meta := map[string]any{
		"inputCount": len(req.Inputs),
		"inputSize":  inputSize,
		"outputSize": info.Size(),
	}
	if rule.outputIsPDF {
		pages, err := c.p.inspect(inv.output)
		if err != nil {
			return nil, err
		}
		meta["pages"] = pages
	}
	if c.t == TypePDFCompress {
		meta["preset"] = string(c.p.compressPreset)
		meta["savedBytes"] = inputSize - info.Size()
		meta["savedPercent"] = computeSavedPercent(inputSize, info.Size())
	}
	reportProgress(progress, progressTransformed)

	ref, err := c.p.upload(ctx, OutputKey(req.UserID, req.JobID, c.t), inv.output, info.Size(), rule.outputMIME)
	if err != nil {
		return nil, err
	}

	return &Result{
		OutputRef:   ref,
		ContentType: rule.outputMIME,
		Size:        info.Size(),
		Meta:        meta,
	}, nil
}

// fetchInputs は入力を順番どおりに作業ディレクトリへ取得します。結合順は入力順です。
func (p *Pipeline) fetchInputs(ctx context.Context, ws workspace, t Type, refs []string) ([]string, int64, error) {
	locals := make([]string, 0, len(refs))
	var total int64
	for i, ref := range refs {
		url, err := p.storage.RetrievalURL(ctx, ref, p.urlExpiry)
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, permanentError(KindFetch, "input is no longer available", err)
		}
		if err != nil {
			return nil, 0, classify(ctx, newError(KindFetch, "failed to resolve input reference", err))
		}
		dest := ws.inputPath(i, t.InputExt())
		n, err := p.fetcher.Fetch(ctx, url, dest)
		if err != nil {
			return nil, 0, classify(ctx, err)
		}
		if err := detectMIME(dest, t.InputMIME()); err != nil {
			return nil, 0, err
		}
		locals = append(locals, dest)
		total += n
	}
	return locals, total, nil
}

func (p *Pipeline) run(ctx context.Context, inv invocation) error {
	res, err := p.runner.Run(ctx, inv.name, inv.args...)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, fmt.Sprintf("%s did not finish in time", inv.name), err)
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
		return newError(KindConversionTool, fmt.Sprintf("%s is not installed", inv.name), err)
	}
	return newError(KindConversionTool, fmt.Sprintf("%s exited with code %d: %s", inv.name, res.ExitCode, tail(res.Stderr, 512)), err)
}

func (p *Pipeline) upload(ctx context.Context, key, path string, size int64, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", newError(KindInternal, "failed to open output file", err)
	}
	defer f.Close()

	ref, err := p.storage.Put(ctx, key, f, size, contentType)
	if err != nil {
		return "", classify(ctx, newError(KindUpload, "failed to store output", err))
	}
	return ref, nil
}

// classify は制限時間切れによる失敗を ConversionTimeout に読み替えます。
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, "conversion did not finish in time", err)
	}
	return err
}
