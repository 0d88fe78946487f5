package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/pkg/phoneverify"
)

type stubVerifier struct {
	resp *phoneverify.VerifyResponse
	err  error
}

func (s *stubVerifier) Verify(context.Context, phoneverify.VerifyRequest) (*phoneverify.VerifyResponse, error) {
	return s.resp, s.err
}

func newVerifyAdapter(v phoneverify.Client) Adapter {
	return New(nil, nil, v)
}

func TestAdapter_Verify_Match(t *testing.T) {
	a := newVerifyAdapter(&stubVerifier{
		resp: &phoneverify.VerifyResponse{Status: "match", Score: 0.87, Source: "carrier", Age: 42, Carrier: "tmo"},
	})

	candidate := model.PersonRecord{Name: "Jane Smith", State: "CA"}
	v, err := a.Verify(context.Background(), candidate, model.Phone{Number: "+15550001111"})
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, 0.87, v.MatchScore)
	assert.Equal(t, 42, v.Age)
	assert.Equal(t, "tmo", v.Carrier)
}

func TestAdapter_Verify_NoMatch(t *testing.T) {
	a := newVerifyAdapter(&stubVerifier{
		resp: &phoneverify.VerifyResponse{Status: "no_match", Score: 0.1},
	})

	v, err := a.Verify(context.Background(), model.PersonRecord{Name: "Jane"}, model.Phone{Number: "+1"})
	require.NoError(t, err)
	assert.False(t, v.Verified)
}

func TestAdapter_Verify_CreditsExhaustedMapsToSentinel(t *testing.T) {
	a := newVerifyAdapter(&stubVerifier{
		err: &phoneverify.APIError{Code: phoneverify.CodeInsufficientCredits, StatusCode: 402},
	})

	_, err := a.Verify(context.Background(), model.PersonRecord{Name: "Jane"}, model.Phone{Number: "+1"})
	assert.ErrorIs(t, err, ErrVerifyCreditsExhausted)
}

func TestAdapter_Verify_OtherAPIErrorPassesThrough(t *testing.T) {
	a := newVerifyAdapter(&stubVerifier{
		err: &phoneverify.APIError{Code: "INVALID_PHONE", StatusCode: 400},
	})

	_, err := a.Verify(context.Background(), model.PersonRecord{Name: "Jane"}, model.Phone{Number: "bad"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVerifyCreditsExhausted)
}
