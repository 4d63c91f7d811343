package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimitByIP(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name     string
		callRPS  int
		limitRPS int
	}

	tests := []testCase{
		{name: "success", callRPS: 100, limitRPS: 500},
		{name: "block-me", callRPS: 1000, limitRPS: 500},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(tc testCase) func(t *testing.T) {
			return func(t *testing.T) {
				t.Parallel()

				cfg := RateLimiterConfig{
					MaxRPI:   uint64(tc.limitRPS),
					Interval: time.Second,
				}
				rlcm, err := RateLimitController(cfg)
				require.NoError(t, err)
				rlc := rlcm(dummyHandler{})

				// Verify that after some seconds making requests with the configured
				// callRPS with the limitRPS, we are getting the expected output:
				// - If callRPS < limitRPS, we never get a 429.
				// - If callRPS > limitRPS, we eventually should see a 429.
				// A recorder only keeps its first status code, so each
				// request gets a fresh one.
				assertFunc := require.Eventually
				if tc.callRPS < tc.limitRPS {
					assertFunc = require.Never
				}
				assertFunc(t, func() bool {
					r, err := http.NewRequest("GET", "/api/v1/transactions", nil)
					require.NoError(t, err)
					r.Header.Set("X-Forwarded-For", "10.0.0.1")
					res := httptest.NewRecorder()
					rlc.ServeHTTP(res, r)
					return res.Code == 429
				}, time.Second*5, time.Second/time.Duration(tc.callRPS))
			}
		}(tc))
	}
}

func TestDistinctClientsDoNotShareBuckets(t *testing.T) {
	t.Parallel()

	cfg := RateLimiterConfig{
		MaxRPI:   10,
		Interval: time.Minute,
	}
	rlcm, err := RateLimitController(cfg)
	require.NoError(t, err)
	rlc := rlcm(dummyHandler{})

	// Exhaust the first client's bucket.
	for i := 0; i < 15; i++ {
		r, err := http.NewRequest("GET", "/api/v1/transactions", nil)
		require.NoError(t, err)
		r.Header.Set("X-Forwarded-For", "10.0.0.1")
		res := httptest.NewRecorder()
		rlc.ServeHTTP(res, r)
		if i >= 10 {
			require.Equal(t, 429, res.Code)
		}
	}

	// A second client still goes through.
	r, err := http.NewRequest("GET", "/api/v1/transactions", nil)
	require.NoError(t, err)
	r.Header.Set("X-Forwarded-For", "10.0.0.2")
	res := httptest.NewRecorder()
	rlc.ServeHTTP(res, r)
	require.Equal(t, http.StatusOK, res.Code)
}

type dummyHandler struct{}

func (dh dummyHandler) ServeHTTP(res http.ResponseWriter, _ *http.Request) {
	res.WriteHeader(http.StatusOK)
}
