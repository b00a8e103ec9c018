// Package accounts resolves the advertising accounts the engine reports on.
package accounts

import (
	"context"
	"fmt"
	"sort"

	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
)

// Provider lists registered accounts.
type Provider interface {
	// List returns active accounts ordered by id.
	List(ctx context.Context) ([]domain.Account, error)
	Get(ctx context.Context, id string) (domain.Account, error)
}

// Static serves accounts declared in the config file.
type Static struct {
	accounts []domain.Account
}

// NewStatic copies the given accounts.
func NewStatic(accts ...domain.Account) *Static {
	out := append([]domain.Account(nil), accts...)
	sortByID(out)
	return &Static{accounts: out}
}

// FromConfig builds a Static provider from cfg.Accounts. Accounts default
// to active when the flag is omitted.
func FromConfig(cfg *config.Config) *Static {
	accts := make([]domain.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		acct := domain.Account{
			ID:          a.ID,
			Name:        a.Name,
			Active:      a.Active == nil || *a.Active,
			ExternalIDs: map[domain.Platform]string{},
			Credentials: map[domain.Platform]domain.Credentials{},
		}
		if a.MetaID != "" {
			acct.ExternalIDs[domain.PlatformMeta] = a.MetaID
		}
		if a.GoogleID != "" {
			acct.ExternalIDs[domain.PlatformGoogle] = a.GoogleID
		}
		if a.MetaAccessToken != "" {
			acct.Credentials[domain.PlatformMeta] = domain.Credentials{AccessToken: a.MetaAccessToken}
		}
		if a.GoogleRefreshToken != "" {
			acct.Credentials[domain.PlatformGoogle] = domain.Credentials{RefreshToken: a.GoogleRefreshToken}
		}
		accts = append(accts, acct)
	}
	return NewStatic(accts...)
}

func (s *Static) List(_ context.Context) ([]domain.Account, error) {
	var out []domain.Account
	for _, a := range s.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Static) Get(_ context.Context, id string) (domain.Account, error) {
	for _, a := range s.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
}

// Merged overlays providers; later providers win on duplicate ids, but
// credential overrides from earlier ones are kept.
type Merged struct {
	providers []Provider
}

// Merge combines providers, e.g. config accounts plus the ad_accounts table.
func Merge(providers ...Provider) *Merged {
	return &Merged{providers: providers}
}

func (m *Merged) List(ctx context.Context) ([]domain.Account, error) {
	byID := make(map[string]domain.Account)
	for _, p := range m.providers {
		accts, err := p.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range accts {
			if prev, ok := byID[a.ID]; ok && len(a.Credentials) == 0 {
				a.Credentials = prev.Credentials
			}
			byID[a.ID] = a
		}
	}
	out := make([]domain.Account, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sortByID(out)
	return out, nil
}

func (m *Merged) Get(ctx context.Context, id string) (domain.Account, error) {
	for i := len(m.providers) - 1; i >= 0; i-- {
		a, err := m.providers[i].Get(ctx, id)
		if err == nil {
			return a, nil
		}
	}
	return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
}

// Filter keeps accounts whose id is in ids. An empty ids keeps everything.
func Filter(accts []domain.Account, ids []string) []domain.Account {
	if len(ids) == 0 {
		return accts
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.Account
	for _, a := range accts {
		if want[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

func sortByID(accts []domain.Account) {
	sort.Slice(accts, func(i, j int) bool { return accts[i].ID < accts[j].ID })
}
