package auth

import (
	"context"

	"github.com/af-corp/switchboard/internal/types"
)

type contextKey string

const policyContextKey contextKey = "switchboard_policy"

// ContextWithPolicy attaches the caller's key policy to ctx.
func ContextWithPolicy(ctx context.Context, policy *types.KeyPolicy) context.Context {
	return context.WithValue(ctx, policyContextKey, policy)
}

// PolicyFromContext returns the key policy stored by the auth middleware.
func PolicyFromContext(ctx context.Context) (*types.KeyPolicy, bool) {
	policy, ok := ctx.Value(policyContextKey).(*types.KeyPolicy)
	return policy, ok && policy != nil
}
