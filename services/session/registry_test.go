package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"otplink/internal/config"
)

type fakeAPI struct {
	site     string
	token    string
	loginErr error
	claim    RewardResult

	loginCalls int
}

func (f *fakeAPI) Login(context.Context) error {
	f.loginCalls++
	return f.loginErr
}

func (f *fakeAPI) Token() string { return f.token }

func (f *fakeAPI) RequestCode(context.Context, string) (string, error) {
	return "", ErrNoCode
}

func (f *fakeAPI) CheckStatus(context.Context, string) (Status, error) {
	return Status{Waiting: true}, nil
}

func (f *fakeAPI) ClaimReward(context.Context) RewardResult { return f.claim }

type savedSession struct{ site, token string }

type fakeSaver struct{ saved []savedSession }

func (s *fakeSaver) SaveSession(_ context.Context, siteKey, token string) error {
	s.saved = append(s.saved, savedSession{site: siteKey, token: token})
	return nil
}

func registryCfg() *config.Config {
	return &config.Config{
		Sites: []config.SiteConfig{
			{Key: "alpha", Name: "Site 1", Index: 1},
			{Key: "beta", Name: "Site 2", Index: 2},
		},
	}
}

func TestInitializeAllReady(t *testing.T) {
	saver := &fakeSaver{}
	r := NewRegistry(RegistryParams{
		Config: registryCfg(),
		Factory: func(site config.SiteConfig, _ *config.Config) API {
			return &fakeAPI{site: site.Key, token: "tok-" + site.Key}
		},
		Saver: saver,
	})

	require.True(t, r.InitializeAll(context.Background()))
	require.True(t, r.IsReady())
	require.NotNil(t, r.Get("alpha"))
	require.NotNil(t, r.Get("beta"))

	require.Len(t, saver.saved, 2)
	require.Equal(t, "tok-alpha", saver.saved[0].token)
}

func TestInitializeAllPartialFailure(t *testing.T) {
	r := NewRegistry(RegistryParams{
		Config: registryCfg(),
		Factory: func(site config.SiteConfig, _ *config.Config) API {
			f := &fakeAPI{site: site.Key}
			if site.Key == "beta" {
				f.loginErr = errors.New("upstream down")
			}
			return f
		},
	})

	require.False(t, r.InitializeAll(context.Background()))
	require.False(t, r.IsReady())

	// The site that did authenticate stays usable in degraded mode.
	require.NotNil(t, r.Get("alpha"))
	require.Nil(t, r.Get("beta"))
}

func TestRefreshSwapsOnlyOnSuccess(t *testing.T) {
	loginErr := error(nil)
	built := 0
	r := NewRegistry(RegistryParams{
		Config: registryCfg(),
		Factory: func(site config.SiteConfig, _ *config.Config) API {
			built++
			return &fakeAPI{site: site.Key, token: "tok", loginErr: loginErr}
		},
	})
	require.True(t, r.InitializeAll(context.Background()))
	old := r.Get("alpha")

	loginErr = errors.New("login rejected")
	require.False(t, r.Refresh(context.Background(), "alpha"))
	require.Same(t, old, r.Get("alpha"), "failed refresh keeps the previous client")

	loginErr = nil
	require.True(t, r.Refresh(context.Background(), "alpha"))
	require.NotSame(t, old, r.Get("alpha"))

	require.False(t, r.Refresh(context.Background(), "unknown"))
	require.Equal(t, 4, built)
}

func TestClaimAllRewards(t *testing.T) {
	r := NewRegistry(RegistryParams{
		Config: registryCfg(),
		Factory: func(site config.SiteConfig, _ *config.Config) API {
			return &fakeAPI{
				site:  site.Key,
				claim: RewardResult{Claimed: site.Key == "alpha", Message: site.Key},
			}
		},
	})
	require.True(t, r.InitializeAll(context.Background()))

	results := r.ClaimAllRewards(context.Background())
	require.Len(t, results, 2)
	require.True(t, results["Site 1"].Claimed)
	require.False(t, results["Site 2"].Claimed)
}
