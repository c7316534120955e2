// Package fetch implements the bounded-concurrency, resumable,
// checksum-verified multi-source downloader that drives both the index
// refresh phase and the per-package download phase of a repository refresh.
package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/etnz/apt-refresh/checksum"
	"github.com/etnz/apt-refresh/codec"
	"github.com/etnz/apt-refresh/refresherr"
	"github.com/etnz/apt-refresh/sourcelist"
)

// Source is one candidate location a Plan may be fetched from.
type Source struct {
	URL       string
	Transport sourcelist.Transport
}

// Plan is one item the Fetcher must obtain.
type Plan struct {
	Index int // logical index the caller assigned; echoed back on the Summary

	Sources []Source // tried in order; at least one required

	DestDir  string
	DestName string

	ExpectedChecksum string // hex digest, empty if unchecked
	ExpectedSize     int64  // 0 if unknown

	AllowResume bool
	Extract     bool // decompress on the fly; DestName is the plaintext name
}

func (p Plan) destPath() string { return filepath.Join(p.DestDir, p.DestName) }

// Summary is the result of one completed Plan.
type Summary struct {
	Index   int
	URL     string
	Hit     bool // pre-existing file already matched the expected checksum
	Context string
}

// Result pairs a Summary with any terminal error for its Plan.
type Result struct {
	Summary Summary
	Err     error
}

// Event is one progress notification emitted during a fetch. Exactly one of
// the Kind-specific fields is meaningful for a given Kind.
type Event struct {
	Kind  EventKind
	Index int // the Plan.Index this event belongs to, or -1 for global events

	Message string // NewProgressSpinner / NewProgress
	Total   int64  // NewProgress
	N       int64  // ProgressInc / GlobalProgressInc
	Value   int64  // GlobalProgressSet

	RetryFilename string // ChecksumMismatchRetry
	RetryTimes    int    // ChecksumMismatchRetry

	Err error // CanNotGetSourceNextUrl
}

type EventKind int

const (
	NewProgressSpinner EventKind = iota
	NewProgress
	ProgressInc
	GlobalProgressInc
	GlobalProgressSet
	ProgressDone
	ChecksumMismatchRetry
	CanNotGetSourceNextUrl
	AllDone
)

// ProgressCounters is the process-wide progress state shared by every Plan
// in a Fetcher run. Only its atomic integer is required: increments,
// decrements and sets are linearizable under sequentially-consistent
// ordering.
type ProgressCounters struct {
	global atomic.Int64
}

func (c *ProgressCounters) Add(n int64) int64 { return c.global.Add(n) }
func (c *ProgressCounters) Sub(n int64) int64 { return c.global.Add(-n) }
func (c *ProgressCounters) Load() int64       { return c.global.Load() }

// Callback receives progress events from the fetch event loop. It must not
// block: the loop that calls it is the same goroutine driving I/O for the
// plan the event belongs to.
type Callback func(Event)

// Fetcher drives a bounded-concurrency set of Plans to completion.
type Fetcher struct {
	Plans       []Plan
	Concurrency int
	Client      *http.Client
	RetryTimes  int
	Progress    *ProgressCounters
	Log         *slog.Logger
}

// New constructs a Fetcher with the spec's defaults: concurrency 4 (clamped
// to 1..16), retry_times 3, and a process-wide progress counter shared by
// every plan this Fetcher runs.
func New(plans []Plan, concurrency int, client *http.Client) *Fetcher {
	if concurrency < 1 {
		concurrency = 4
	}
	if concurrency > 16 {
		concurrency = 16
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Plans:       plans,
		Concurrency: concurrency,
		Client:      client,
		RetryTimes:  3,
		Progress:    &ProgressCounters{},
		Log:         slog.Default(),
	}
}

// Start runs every plan under the Fetcher's concurrency cap and returns one
// Result per plan, results[i] belonging to f.Plans[i]; plans complete in any
// order. ctx cancellation is observed by the HEAD and GET requests and the
// body read; filesystem reads and writes, including local-source copies, do
// not check ctx. Cancelling leaves partially-written files on disk with
// arbitrary length.
func (f *Fetcher) Start(ctx context.Context, cb Callback) []Result {
	if cb == nil {
		cb = func(Event) {}
	}
	results := make([]Result, len(f.Plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)

	for i, plan := range f.Plans {
		i, plan := i, plan
		g.Go(func() error {
			results[i] = f.runPlan(gctx, plan, cb)
			return nil
		})
	}
	// errgroup's returned error is always nil here: runPlan never returns an
	// error from the goroutine itself, it records one in results[i].
	_ = g.Wait()

	cb(Event{Kind: AllDone, Index: -1})
	return results
}

func (f *Fetcher) runPlan(ctx context.Context, plan Plan, cb Callback) Result {
	if len(plan.Sources) == 0 {
		return Result{Summary: Summary{Index: plan.Index}, Err: &refresherr.InvalidURL{URL: plan.DestName}}
	}

	ordered := orderSources(plan.Sources)

	var lastErr error
	for _, src := range ordered {
		// tryHitCache only ever succeeds or reports a cache miss; any other
		// source failure is detected below, inside the full fetch attempt.
		if summary, err := f.tryHitCache(plan, src, cb); err == nil {
			return Result{Summary: summary}
		}

		var summary Summary
		var err error
		switch src.Transport {
		case sourcelist.Local:
			summary, err = f.fetchLocal(ctx, plan, src)
		default:
			summary, err = f.fetchHTTP(ctx, plan, src, cb)
		}
		if err == nil {
			return Result{Summary: summary}
		}
		lastErr = err
		cb(Event{Kind: CanNotGetSourceNextUrl, Index: plan.Index, Err: err})
	}
	return Result{Summary: Summary{Index: plan.Index}, Err: lastErr}
}

// orderSources places Local sources before Http sources, preserving listed
// order within each group.
func orderSources(sources []Source) []Source {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s.Transport == sourcelist.Local {
			out = append(out, s)
		}
	}
	for _, s := range sources {
		if s.Transport != sourcelist.Local {
			out = append(out, s)
		}
	}
	return out
}

// hitCacheMiss signals "no usable pre-existing file" without being a
// terminal error for the source.
type hitCacheMiss struct{}

func (hitCacheMiss) Error() string { return "no cached file" }

// tryHitCache implements the pre-existing-file short-circuit for http
// sources: a destination file matching the expected checksum is accepted
// without any network request.
func (f *Fetcher) tryHitCache(plan Plan, src Source, cb Callback) (Summary, error) {
	if src.Transport == sourcelist.Local || plan.ExpectedChecksum == "" {
		return Summary{}, hitCacheMiss{}
	}
	path := plan.destPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, hitCacheMiss{}
	}

	ok, err := checksum.Verify(checksum.SHA256, data, plan.ExpectedChecksum)
	if err != nil {
		return Summary{}, hitCacheMiss{}
	}

	read := int64(len(data))
	f.Progress.Add(read)
	cb(Event{Kind: GlobalProgressInc, Index: plan.Index, N: read})
	if ok {
		cb(Event{Kind: ProgressDone, Index: plan.Index})
		return Summary{Index: plan.Index, URL: src.URL, Hit: true}, nil
	}
	// Mismatch without resume support: roll back so the retry that follows
	// starts from a clean, monotone baseline. With resume enabled the bytes
	// stay counted; the subsequent range-GET continues from this file.
	if !plan.AllowResume {
		f.Progress.Sub(read)
		cb(Event{Kind: GlobalProgressSet, Index: plan.Index, Value: f.Progress.Load()})
	}
	return Summary{}, hitCacheMiss{}
}

// fetchLocal resolves a file:// URL and copies it into the destination
// verbatim. Local sources are treated as trusted: no retry, no checksum.
func (f *Fetcher) fetchLocal(ctx context.Context, plan Plan, src Source) (Summary, error) {
	srcPath, err := sourcelist.DecodeFileURL(src.URL)
	if err != nil {
		return Summary{}, err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return Summary{}, &refresherr.LocalIO{Path: srcPath, Cause: err}
	}
	defer in.Close()

	if err := os.MkdirAll(plan.DestDir, 0o755); err != nil {
		return Summary{}, &refresherr.LocalIO{Path: plan.DestDir, Cause: err}
	}
	out, err := os.Create(plan.destPath())
	if err != nil {
		return Summary{}, &refresherr.LocalIO{Path: plan.destPath(), Cause: err}
	}
	defer out.Close()

	if plan.Extract {
		if algo, ok := codec.AlgoForSuffix(src.URL); ok {
			dec, err := codec.Decode(algo, in)
			if err != nil {
				return Summary{}, err
			}
			defer dec.Close()
			if _, err := io.Copy(out, dec); err != nil {
				return Summary{}, &refresherr.LocalIO{Path: plan.destPath(), Cause: err}
			}
			return Summary{Index: plan.Index, URL: src.URL}, nil
		}
	}

	if _, err := io.Copy(out, in); err != nil {
		return Summary{}, &refresherr.LocalIO{Path: plan.destPath(), Cause: err}
	}
	return Summary{Index: plan.Index, URL: src.URL}, nil
}
