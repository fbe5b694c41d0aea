// Package permissions is the boundary to the authorization service. The
// pipeline only ever asks one question: may this user modify this project.
package permissions

import "context"

// Checker answers edit-access questions. A denial is permanent; callers must
// not retry it through the queue.
type Checker interface {
	CanEdit(ctx context.Context, user, project string) (bool, error)
}

// AllowAll grants everything. Default for single-tenant deployments where the
// fronting web layer has already authorized the request.
type AllowAll struct{}

func (AllowAll) CanEdit(ctx context.Context, user, project string) (bool, error) {
	return true, nil
}

// Static grants per-user project sets; used in tests and small installs.
type Static struct {
	// Grants maps user -> set of editable projects. A "*" project entry
	// grants every project.
	Grants map[string]map[string]bool
}

func (s Static) CanEdit(ctx context.Context, user, project string) (bool, error) {
	projects, ok := s.Grants[user]
	if !ok {
		return false, nil
	}
	return projects["*"] || projects[project], nil
}
