package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"greenops/internal/gcp"
)

// Mode selects how much of the snapshot a sync fetches.
type Mode string

const (
	// ModeMinimal fetches only billing accounts and projects. Used right
	// after authorization, where the account email is already known from the
	// ID token.
	ModeMinimal Mode = "minimal"

	// ModeFull additionally resolves the account identity when the caller
	// does not have it yet.
	ModeFull Mode = "full"
)

const (
	fetchTimeout = 30 * time.Second
	retryBackoff = 500 * time.Millisecond
	maxRetries   = 2
)

// Fetcher is the read-only view of the Google Cloud client the syncer
// consumes. Each method is independently failable.
type Fetcher interface {
	ListBillingAccounts(ctx context.Context) ([]gcp.BillingAccount, error)
	ListProjects(ctx context.Context) ([]gcp.Project, error)
	ResolveIdentity(ctx context.Context) (string, error)
}

// FetcherFactory builds a Fetcher for a token source. The production factory
// constructs gcp.Client; tests substitute stubs.
type FetcherFactory func(ctx context.Context, ts oauth2.TokenSource) (Fetcher, error)

// Options controls a single FetchSnapshot call.
type Options struct {
	Mode Mode

	// KnownEmail carries the account email when the caller already has it;
	// ModeFull skips identity resolution in that case and the email is
	// stamped onto the snapshot as-is.
	KnownEmail string
}

// Syncer fetches resource snapshots from Google with partial-failure
// tolerance: each sub-fetch degrades to an empty list rather than aborting
// the whole snapshot.
type Syncer struct {
	newFetcher FetcherFactory
	logger     *slog.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(newFetcher FetcherFactory, logger *slog.Logger) *Syncer {
	return &Syncer{newFetcher: newFetcher, logger: logger}
}

// NewGoogleFetcher builds the production FetcherFactory.
func NewGoogleFetcher(logger *slog.Logger) FetcherFactory {
	return func(ctx context.Context, ts oauth2.TokenSource) (Fetcher, error) {
		return gcp.NewClient(ctx, ts, logger)
	}
}

// FetchSnapshot fetches the selected resources concurrently and combines
// them after all sub-fetches have settled.
//
// Failure semantics: an unauthorized response from any resource API is a
// token problem and propagates as gcp.ErrUnauthorized; if every sub-fetch
// failed transiently the whole call propagates gcp.ErrTransient; anything
// less is returned as a partial Result with per-resource Issues.
func (s *Syncer) FetchSnapshot(ctx context.Context, ts oauth2.TokenSource, opts Options) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	fetcher, err := s.newFetcher(ctx, ts)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build client: %v", gcp.ErrTransient, err)
	}

	snapshot := Snapshot{
		AccountEmail:    opts.KnownEmail,
		BillingAccounts: []gcp.BillingAccount{},
		Projects:        []gcp.Project{},
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		issues      []Issue
		fetchCount  int
		failedCount int
	)

	record := func(res Resource, err error) {
		mu.Lock()
		defer mu.Unlock()
		failedCount++
		issues = append(issues, Issue{Resource: res, Err: err})
		s.logger.Warn("resource fetch failed", "resource", string(res), "error", err)
	}

	fetchCount = 2
	wg.Add(2)

	go func() {
		defer wg.Done()
		accounts, err := fetchWithRetry(ctx, func(ctx context.Context) ([]gcp.BillingAccount, error) {
			return fetcher.ListBillingAccounts(ctx)
		})
		if err != nil {
			record(ResourceBillingAccounts, err)
			return
		}
		mu.Lock()
		snapshot.BillingAccounts = accounts
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		projects, err := fetchWithRetry(ctx, func(ctx context.Context) ([]gcp.Project, error) {
			return fetcher.ListProjects(ctx)
		})
		if err != nil {
			record(ResourceProjects, err)
			return
		}
		mu.Lock()
		snapshot.Projects = projects
		mu.Unlock()
	}()

	if opts.Mode == ModeFull && opts.KnownEmail == "" {
		fetchCount++
		wg.Add(1)
		go func() {
			defer wg.Done()
			email, err := fetchWithRetry(ctx, func(ctx context.Context) (string, error) {
				return fetcher.ResolveIdentity(ctx)
			})
			if err != nil {
				record(ResourceIdentity, err)
				return
			}
			mu.Lock()
			snapshot.AccountEmail = email
			mu.Unlock()
		}()
	}

	wg.Wait()

	for _, issue := range issues {
		if gcp.IsUnauthorized(issue.Err) {
			return Result{}, fmt.Errorf("%w: %s: %v", gcp.ErrUnauthorized, issue.Resource, issue.Err)
		}
	}

	if failedCount == fetchCount && allTransient(issues) {
		return Result{}, fmt.Errorf("%w: all resource fetches failed", gcp.ErrTransient)
	}

	return Result{Snapshot: snapshot, Issues: issues}, nil
}

// fetchWithRetry retries transient failures with a constant backoff.
// Credential and configuration failures surface immediately.
func fetchWithRetry[T any](ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	var result T
	backoff := retry.WithMaxRetries(maxRetries, retry.NewConstant(retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		value, err := fetch(ctx)
		if err != nil {
			if gcp.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = value
		return nil
	})
	return result, err
}

func allTransient(issues []Issue) bool {
	for _, issue := range issues {
		if !gcp.IsTransient(issue.Err) {
			return false
		}
	}
	return len(issues) > 0
}
