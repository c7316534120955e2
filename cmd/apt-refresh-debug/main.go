// Command apt-refresh-debug is a thin smoke-test harness for the repository
// refresh engine. It is not the deliverable: the engine lives in
// sourcelist/fetch/release/refresh and is meant to be embedded by a real
// package-manager CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/etnz/apt-refresh/fetch"
	"github.com/etnz/apt-refresh/pgpverify"
	"github.com/etnz/apt-refresh/refresh"
	"github.com/etnz/apt-refresh/sourcelist"
)

func main() {
	sourcesPath := flag.String("sources", "", "path to a sourcelist YAML document (see sourcelist.List)")
	indexDir := flag.String("index-dir", "/var/lib/apt/lists", "destination index directory")
	arch := flag.String("arch", "amd64", "target architecture")
	concurrency := flag.Int("concurrency", 4, "maximum concurrent fetches")
	retryTimes := flag.Int("retry", 3, "checksum-mismatch retries per source")
	keyringPath := flag.String("keyring", "", "path to an armored OpenPGP public keyring")
	topicsURL := flag.String("topics-url", "", "closed-topics registry URL")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall refresh timeout")
	flag.Parse()

	if *sourcesPath == "" {
		fmt.Fprintln(os.Stderr, "usage: apt-refresh-debug -sources sources.yaml [-index-dir DIR] [-arch ARCH]")
		os.Exit(2)
	}

	data, err := os.ReadFile(*sourcesPath)
	if err != nil {
		log.Fatalf("reading sources: %v", err)
	}
	list, err := sourcelist.ParseList(data)
	if err != nil {
		log.Fatalf("parsing sources: %v", err)
	}

	cfg := refresh.Config{
		IndexDir:    *indexDir,
		Arch:        *arch,
		Concurrency: *concurrency,
		RetryTimes:  *retryTimes,
		Client:      http.DefaultClient,
		TopicsURL:   *topicsURL,
	}
	if *keyringPath != "" {
		kr, err := os.ReadFile(*keyringPath)
		if err != nil {
			log.Fatalf("reading keyring: %v", err)
		}
		keyring, err := pgpverify.LoadKeyring(kr)
		if err != nil {
			log.Fatalf("loading keyring: %v", err)
		}
		cfg.Keyring = keyring
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := refresh.Run(ctx, list.Entries, cfg, progressLogger())
	if err != nil {
		log.Fatalf("refresh failed: %v", err)
	}

	for _, e := range result.Entries {
		if e.Dropped {
			fmt.Printf("dropped %s (closed topic)\n", e.Entry.URL)
			continue
		}
		fmt.Printf("refreshed %s (%s): %d index file(s)\n", e.Entry.URL, e.Context, len(e.Indexes))
	}
}

// progressLogger renders fetch.Event values as single log lines, the way
// deb-pm's fmt.Printf progress messages report long-running operations.
func progressLogger() fetch.Callback {
	return func(e fetch.Event) {
		switch e.Kind {
		case fetch.NewProgress:
			log.Printf("fetching %s (%d bytes)", e.Message, e.Total)
		case fetch.ProgressDone:
			log.Printf("plan %d done", e.Index)
		case fetch.ChecksumMismatchRetry:
			log.Printf("checksum mismatch for %s, retry %d", e.RetryFilename, e.RetryTimes)
		case fetch.CanNotGetSourceNextUrl:
			log.Printf("source failed, trying next: %v", e.Err)
		case fetch.AllDone:
			log.Printf("refresh complete")
		}
	}
}
