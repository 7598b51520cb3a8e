package csrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/internal/clock"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *clock.Mock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewMock(epoch)
	return NewManager(cfg, WithClock(clk)), clk
}

func issue(t *testing.T, m *Manager) string {
	t.Helper()
	tok, err := m.Issue(context.Background())
	require.NoError(t, err)
	return tok.Value
}

func TestIssueThenValidate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	tok, err := m.Issue(context.Background())
	require.NoError(t, err)
	assert.Len(t, tok.Value, 36)
	assert.Equal(t, epoch.Add(DefaultTTL), tok.ExpiresAt)

	got, err := m.Validate(tok.Value, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, tok.Value, got)
}

func TestValidateExpiredAfterTTL(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)

	clk.Advance(DefaultTTL + time.Millisecond)
	_, err := m.Validate(tok, tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		header string
		cookie string
		want   error
	}{
		{"NoToken", true, "", "", ErrMissingToken},
		{"Mismatch", true, "aaaaaaaaaaaa", "bbbbbbbbbbbb", ErrTokenMismatch},
		{"StrictHeaderOnly", true, "aaaaaaaaaaaa", "", ErrTokenMismatch},
		{"StrictCookieOnly", true, "", "aaaaaaaaaaaa", ErrTokenMismatch},
		{"Unknown", true, "aaaaaaaaaaaa", "aaaaaaaaaaaa", ErrTokenNotFound},
		{"TooShort", true, "short", "short", ErrTokenMalformed},
		{"LaxUnknown", false, "aaaaaaaaaaaa", "", ErrTokenNotFound},
		{"LaxMismatchStillRejected", false, "aaaaaaaaaaaa", "bbbbbbbbbbbb", ErrTokenMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, func(c *Config) { c.StrictDoubleSubmit = tt.strict })
			_, err := m.Validate(tt.header, tt.cookie)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLaxAcceptsSingleChannel(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.StrictDoubleSubmit = false })
	tok := issue(t, m)

	_, err := m.Validate(tok, "")
	assert.NoError(t, err, "header only")
	_, err = m.Validate("", tok)
	assert.NoError(t, err, "cookie only")
}

func TestReusableByDefault(t *testing.T) {
	m, _ := newTestManager(t, nil)
	tok := issue(t, m)
	for i := 0; i < 3; i++ {
		_, err := m.Validate(tok, tok)
		require.NoError(t, err)
	}
}

func TestSingleUseRejectsReplay(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.SingleUse = true })
	tok := issue(t, m)

	_, err := m.Validate(tok, tok)
	require.NoError(t, err)
	_, err = m.Validate(tok, tok)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestProtectedTokenSurvivesSweep(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)
	require.NoError(t, m.BeginProtectedOperation(tok))

	clk.Advance(DefaultTTL + time.Minute)
	assert.Zero(t, m.Sweep(clk.Now()))

	m.EndProtectedOperation(tok)
	assert.Equal(t, 1, m.Sweep(clk.Now()))
	_, err := m.Validate(tok, tok)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestProtectedTokenStillExpires(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)
	require.NoError(t, m.BeginProtectedOperation(tok))
	defer m.EndProtectedOperation(tok)

	clk.Advance(DefaultTTL + 30*time.Minute)
	_, err := m.Validate(tok, tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Zero(t, m.Sweep(clk.Now()), "still pinned")
}

func TestOverlappingProtectedScopes(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)

	require.NoError(t, m.BeginProtectedOperation(tok))
	err := m.Protected(tok, func() error {
		assert.Equal(t, 1, m.Stats().Protected)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Stats().Protected, "outer scope still open")
	assert.Zero(t, m.Sweep(clk.Now().Add(DefaultTTL+time.Second)))

	m.EndProtectedOperation(tok)
	assert.Zero(t, m.Stats().Protected)
	assert.Equal(t, 1, m.Sweep(clk.Now().Add(DefaultTTL+time.Second)))
}

func TestExtend(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)

	clk.Advance(45 * time.Minute)
	got, err := m.Extend(tok)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(DefaultTTL), got.ExpiresAt)

	clk.Advance(45 * time.Minute)
	_, err = m.Validate(tok, tok)
	assert.NoError(t, err, "past the original expiry")

	clk.Advance(DefaultTTL)
	_, err = m.Extend(tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
	_, err = m.Extend("never-issued-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestExtendUsedSingleUseToken(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.SingleUse = true })
	tok := issue(t, m)
	_, err := m.Validate(tok, tok)
	require.NoError(t, err)

	_, err = m.Extend(tok)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestProtectedTokenHardCeiling(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)
	require.NoError(t, m.BeginProtectedOperation(tok))

	assert.Equal(t, 1, m.Sweep(clk.Now().Add(2*DefaultTTL+time.Second)))
}

func TestProtectedReleasesOnError(t *testing.T) {
	m, clk := newTestManager(t, nil)
	tok := issue(t, m)

	boom := errors.New("handler failed")
	err := m.Protected(tok, func() error {
		assert.Equal(t, 1, m.Stats().Protected)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, m.Stats().Protected)
	assert.Equal(t, 1, m.Sweep(clk.Now().Add(DefaultTTL+time.Second)))
}

func TestProtectedReleasesOnPanic(t *testing.T) {
	m, _ := newTestManager(t, nil)
	tok := issue(t, m)

	assert.Panics(t, func() {
		_ = m.Protected(tok, func() error { panic("kaboom") })
	})
	assert.Zero(t, m.Stats().Protected)
}

func TestBeginProtectedOperationUnknownToken(t *testing.T) {
	m, clk := newTestManager(t, nil)
	assert.ErrorIs(t, m.BeginProtectedOperation("never-issued-token"), ErrTokenNotFound)

	tok := issue(t, m)
	clk.Advance(DefaultTTL + time.Second)
	assert.ErrorIs(t, m.BeginProtectedOperation(tok), ErrTokenExpired)
}

func TestGeneratorFailureIsInternal(t *testing.T) {
	m := NewManager(DefaultConfig(), WithGenerator(GeneratorFunc(func() (string, error) {
		return "", errors.New("entropy exhausted")
	})))
	_, err := m.Issue(context.Background())
	assert.ErrorIs(t, err, ErrInternal)

	m = NewManager(DefaultConfig(), WithGenerator(GeneratorFunc(func() (string, error) {
		return "abc", nil
	})))
	_, err = m.Issue(context.Background())
	assert.ErrorIs(t, err, ErrInternal)
}

func TestStatsAndRevoke(t *testing.T) {
	m, clk := newTestManager(t, nil)
	a := issue(t, m)
	issue(t, m)
	clk.Advance(DefaultTTL + time.Second)
	issue(t, m)

	st := m.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 2, st.Expired)
	assert.EqualValues(t, 3, st.Issued)

	assert.True(t, m.Revoke(a))
	assert.Equal(t, 2, m.Clear())
}

func TestTokensAreUnique(t *testing.T) {
	m, _ := newTestManager(t, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok := issue(t, m)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}
