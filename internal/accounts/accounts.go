package accounts

import (
	"context"
	"fmt"

	"slotflow/internal/domain"
)

// Directory answers which accounts are active for a group. Credentials and
// account lifecycle live elsewhere.
type Directory interface {
	ListActiveAccounts(ctx context.Context, groupID string) ([]string, error)
}

// Static serves fixed groups from configuration.
type Static struct {
	groups map[string][]string
}

func NewStatic(groups map[string][]string) *Static {
	if groups == nil {
		groups = map[string][]string{}
	}
	return &Static{groups: groups}
}

func (s *Static) ListActiveAccounts(_ context.Context, groupID string) ([]string, error) {
	accs, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("account group %s: %w", groupID, domain.ErrNotFound)
	}
	return append([]string(nil), accs...), nil
}
