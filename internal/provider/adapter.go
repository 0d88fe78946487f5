// Package provider exposes one uniform interface over the two data-source
// backends and the phone-verification backend. Heterogeneous upstream
// shapes never leave this package: each backend has an explicit mapping
// function into model.PersonRecord.
package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/bulkdata"
	"github.com/sells-group/prospect-cli/pkg/livesearch"
	"github.com/sells-group/prospect-cli/pkg/phoneverify"
)

// ErrVerifyCreditsExhausted means the verification provider's own balance
// (not the user's) is spent. Every subsequent verify call in the run will
// fail the same way, so the executor halts the run on this signal.
var ErrVerifyCreditsExhausted = eris.New("provider: verification credits exhausted")

// Query holds the search filters handed to either fetch mode.
type Query struct {
	Name  string
	Title string
	State string
	Count int
}

// Adapter is the uniform provider interface consumed by the engine.
// Fetch calls return records plus the provider-reported total available;
// zero records with a nil error is a valid "no matches" outcome.
type Adapter interface {
	FetchFuzzy(ctx context.Context, q Query) ([]model.PersonRecord, int, error)
	FetchExact(ctx context.Context, q Query) ([]model.PersonRecord, int, error)
	Verify(ctx context.Context, candidate model.PersonRecord, phone model.Phone) (*model.Verification, error)
}

// New creates an Adapter over the three backend clients.
func New(bulk bulkdata.Client, live livesearch.Client, verify phoneverify.Client) Adapter {
	return &adapter{
		bulk:   bulk,
		live:   live,
		verify: verify,
		retry:  resilience.DefaultRetryConfig(),
	}
}

type adapter struct {
	bulk   bulkdata.Client
	live   livesearch.Client
	verify phoneverify.Client
	retry  resilience.RetryConfig
}

func (a *adapter) FetchFuzzy(ctx context.Context, q Query) ([]model.PersonRecord, int, error) {
	cfg := a.retry
	cfg.OnRetry = resilience.RetryLogger("bulkdata", "search_people")

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*bulkdata.SearchResponse, error) {
		return a.bulk.SearchPeople(ctx, bulkdata.SearchRequest{
			Name:  q.Name,
			Title: q.Title,
			State: q.State,
			Limit: q.Count,
		})
	})
	if err != nil {
		return nil, 0, eris.Wrap(err, "provider: fuzzy fetch")
	}

	records := make([]model.PersonRecord, 0, len(resp.People))
	for _, p := range resp.People {
		records = append(records, mapBulkPerson(p))
	}
	return records, resp.TotalCount, nil
}

func (a *adapter) FetchExact(ctx context.Context, q Query) ([]model.PersonRecord, int, error) {
	cfg := a.retry
	cfg.OnRetry = resilience.RetryLogger("livesearch", "lookup")

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*livesearch.LookupResponse, error) {
		return a.live.Lookup(ctx, livesearch.Query{
			Name:  q.Name,
			Title: q.Title,
			State: q.State,
			Count: q.Count,
		})
	})
	if err != nil {
		return nil, 0, eris.Wrap(err, "provider: exact fetch")
	}

	records := make([]model.PersonRecord, 0, len(resp.Results))
	for _, r := range resp.Results {
		records = append(records, mapLivePerson(r.Person))
	}
	return records, resp.Meta.Available, nil
}

// Verify wraps one phone-verification call. Credit exhaustion is mapped to
// ErrVerifyCreditsExhausted; any other failure is an ordinary per-record
// error the caller records as "unverified".
func (a *adapter) Verify(ctx context.Context, candidate model.PersonRecord, phone model.Phone) (*model.Verification, error) {
	resp, err := a.verify.Verify(ctx, phoneverify.VerifyRequest{
		Name:  candidate.Name,
		Phone: phone.Number,
		State: candidate.State,
	})
	if err != nil {
		var apiErr *phoneverify.APIError
		if errors.As(err, &apiErr) && apiErr.Code == phoneverify.CodeInsufficientCredits {
			return nil, ErrVerifyCreditsExhausted
		}
		return nil, eris.Wrap(err, "provider: verify")
	}

	return &model.Verification{
		Verified:   resp.Matched(),
		MatchScore: resp.Score,
		Source:     resp.Source,
		Age:        resp.Age,
		Carrier:    resp.Carrier,
	}, nil
}
