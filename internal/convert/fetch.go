package convert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// fetcher は署名付きURLから入力をダウンロードします。
type fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, permanentError(KindFetch, "invalid retrieval url", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, newError(KindFetch, "failed to download input", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		// 期限切れの署名や削除済みの入力は再試行しても取得できない
		return 0, permanentError(KindFetch, fmt.Sprintf("input is no longer available (status %d)", resp.StatusCode), nil)
	default:
		return 0, newError(KindFetch, fmt.Sprintf("unexpected status %d while downloading input", resp.StatusCode), nil)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, newError(KindInternal, "failed to create input file", err)
	}
	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return 0, newError(KindFetch, "failed to download input", copyErr)
	}
	if closeErr != nil {
		return 0, newError(KindInternal, "failed to write input file", closeErr)
	}
	return n, nil
}
