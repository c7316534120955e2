package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/etnz/apt-refresh/checksum"
	"github.com/etnz/apt-refresh/codec"
	"github.com/etnz/apt-refresh/refresherr"
)

// fetchHTTP runs the probe/open/transfer/finalize/retry state machine for one
// http(s) source, retrying only on ChecksumMismatch up to f.RetryTimes times.
// The retry counter is local to this source: falling through to the next
// source in runPlan always starts a fresh budget.
func (f *Fetcher) fetchHTTP(ctx context.Context, plan Plan, src Source, cb Callback) (Summary, error) {
	attempts := f.RetryTimes + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			cb(Event{Kind: ChecksumMismatchRetry, Index: plan.Index, RetryFilename: plan.DestName, RetryTimes: attempt})
		}
		summary, err := f.attemptHTTP(ctx, plan, src, cb)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if _, isMismatch := err.(*refresherr.ChecksumMismatch); !isMismatch {
			return Summary{}, err
		}
	}
	return Summary{}, lastErr
}

// countingReader wraps the raw network body: every Read feeds the checksum
// validator and emits progress events over the compressed wire bytes,
// regardless of whether the caller later decompresses them on the way to
// disk. The checksum table a release document carries always covers the
// compressed artifact.
type countingReader struct {
	r           io.Reader
	validator   *checksum.Validator
	progress    *ProgressCounters
	cb          Callback
	index       int
	transferred int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		chunk := p[:n]
		if c.validator != nil {
			c.validator.Update(chunk)
		}
		c.transferred += int64(n)
		c.progress.Add(int64(n))
		c.cb(Event{Kind: ProgressInc, Index: c.index, N: int64(n)})
		c.cb(Event{Kind: GlobalProgressInc, Index: c.index, N: int64(n)})
	}
	return n, err
}

// attemptHTTP performs exactly one body-transfer attempt: probe, open,
// transfer, finalize.
func (f *Fetcher) attemptHTTP(ctx context.Context, plan Plan, src Source, cb Callback) (Summary, error) {
	canResume, totalSize, err := f.probe(ctx, src.URL)
	if err != nil {
		return Summary{}, err
	}

	destPath := plan.destPath()
	if err := os.MkdirAll(plan.DestDir, 0o755); err != nil {
		return Summary{}, &refresherr.LocalIO{Path: plan.DestDir, Cause: err}
	}

	resuming := plan.AllowResume && canResume
	var fileSize int64
	if resuming {
		if info, statErr := os.Stat(destPath); statErr == nil {
			fileSize = info.Size()
		}
	}
	if resuming && totalSize > 0 && fileSize >= totalSize {
		f.Progress.Sub(fileSize)
		fileSize = 0
		resuming = false
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resuming && fileSize > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		fileSize = 0
	}
	out, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return Summary{}, &refresherr.LocalIO{Path: destPath, Cause: err}
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Summary{}, &refresherr.InvalidURL{URL: src.URL}
	}
	if resuming && fileSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fileSize))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return Summary{}, &refresherr.NetworkIO{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Summary{}, &refresherr.NotFound{URL: src.URL}
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusPartialContent {
		return Summary{}, &refresherr.HTTPStatus{Code: resp.StatusCode, URL: src.URL}
	}

	validator, verr := newValidatorIfExpected(plan.ExpectedChecksum)
	if verr != nil {
		return Summary{}, verr
	}

	var total int64
	switch {
	case plan.ExpectedSize > 0:
		total = plan.ExpectedSize
	case totalSize > 0:
		total = totalSize
	}
	cb(Event{Kind: NewProgress, Index: plan.Index, Total: total, Message: plan.DestName})

	counted := &countingReader{r: resp.Body, validator: validator, progress: f.Progress, cb: cb, index: plan.Index}

	var body io.Reader = counted
	if plan.Extract {
		if algo, ok := codec.AlgoForSuffix(src.URL); ok {
			dec, err := codec.Decode(algo, counted)
			if err != nil {
				return Summary{}, err
			}
			defer dec.Close()
			body = dec
		}
	}

	if _, err := io.Copy(out, body); err != nil {
		return Summary{}, &refresherr.NetworkIO{Cause: err}
	}
	if err := out.Close(); err != nil {
		return Summary{}, &refresherr.LocalIO{Path: destPath, Cause: err}
	}

	if validator != nil && !validator.Finish() {
		f.Progress.Sub(counted.transferred)
		cb(Event{Kind: GlobalProgressSet, Index: plan.Index, Value: f.Progress.Load()})
		return Summary{}, &refresherr.ChecksumMismatch{URL: src.URL, Dir: plan.DestDir}
	}

	cb(Event{Kind: ProgressDone, Index: plan.Index})
	return Summary{Index: plan.Index, URL: src.URL}, nil
}

func newValidatorIfExpected(expectedHex string) (*checksum.Validator, error) {
	if expectedHex == "" {
		return nil, nil
	}
	return checksum.Begin(checksum.SHA256, expectedHex)
}

// probe issues a HEAD request to determine whether the server supports
// range resumption and the total content length.
func (f *Fetcher) probe(ctx context.Context, url string) (canResume bool, totalSize int64, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if reqErr != nil {
		return false, 0, &refresherr.InvalidURL{URL: url}
	}
	resp, doErr := f.Client.Do(req)
	if doErr != nil {
		// HEAD is best-effort: some servers/mirrors do not support it. Treat
		// a transport failure here as "no resume info available" rather than
		// failing the whole attempt; the subsequent GET will still surface
		// any real error.
		return false, 0, nil
	}
	defer resp.Body.Close()

	ranges := resp.Header.Get("Accept-Ranges")
	canResume = ranges != "" && !strings.EqualFold(ranges, "none")

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if v, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil {
			totalSize = v
		}
	}
	return canResume, totalSize, nil
}
