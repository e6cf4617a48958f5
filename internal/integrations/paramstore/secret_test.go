package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	names []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.names = append(f.names, name)
	return f.val, f.err
}

type ctxGetter struct{ val string }

func (g *ctxGetter) GetParameter(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.val, nil
}

func TestSecret_EnvWins(t *testing.T) {
	g := &fakeGetter{val: `{"token":"from-ssm"}`}
	s := NewSecret(g, " xai-env ", "/voice-relay/xai-api-key")

	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "xai-env", v)
	require.Zero(t, g.calls)
	require.Equal(t, "env", s.Source())
}

func TestSecret_FetchedOnce(t *testing.T) {
	g := &fakeGetter{val: `{"token":"xai-from-ssm"}`}
	s := NewSecret(g, "", "/voice-relay/xai-api-key")

	for i := 0; i < 3; i++ {
		v, err := s.Value(context.Background())
		require.NoError(t, err)
		require.Equal(t, "xai-from-ssm", v)
	}
	require.Equal(t, 1, g.calls, "SSM must only be called once per process lifetime")
	require.Equal(t, []string{"/voice-relay/xai-api-key"}, g.names)
	require.Equal(t, "ssm:/voice-relay/xai-api-key", s.Source())
}

func TestSecret_RetriesAfterError(t *testing.T) {
	g := &fakeGetter{err: errors.New("access denied")}
	s := NewSecret(g, "", "/voice-relay/twilio-auth-token")

	_, err := s.Value(context.Background())
	require.ErrorContains(t, err, "access denied")

	g.err = nil
	g.val = `{"token":"tok"}`
	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", v)

	_, err = s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, g.calls, "only the successful fetch is cached")
}

func TestSecret_ExpiredContextIsNotCached(t *testing.T) {
	g := &ctxGetter{val: `{"token":"xai-abc"}`}
	s := NewSecret(g, "", "/voice-relay/xai-api-key")

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Value(expired)
	require.ErrorIs(t, err, context.Canceled)

	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "xai-abc", v)
}

func TestSecret_Static(t *testing.T) {
	s := Static("tok")
	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", v)

	_, err = Static("").Value(context.Background())
	require.Error(t, err)
	require.Equal(t, "unset", Static("").Source())
}

func TestFetchToken(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		param   string
		want    string
		wantErr string
	}{
		{name: "ok", getter: &fakeGetter{val: `{"token":" abc "}`}, param: "p", want: "abc"},
		{name: "nil getter", getter: nil, param: "p", wantErr: "getter is nil"},
		{name: "empty name", getter: &fakeGetter{}, param: " ", wantErr: "name is empty"},
		{name: "not json", getter: &fakeGetter{val: "plain"}, param: "p", wantErr: "unmarshal"},
		{name: "empty token", getter: &fakeGetter{val: `{"token":""}`}, param: "p", wantErr: "is empty"},
		{name: "getter error", getter: &fakeGetter{err: errors.New("boom")}, param: "p", wantErr: "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FetchToken(context.Background(), tc.getter, tc.param)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
