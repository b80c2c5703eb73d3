package conductor

import (
	"context"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/router"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// RouterDispatcher wires the Conductor to the Agent Router. It forwards the
// request unchanged to Router.Route; the Conductor has already set the
// request's Provider from the addressed AgentType, so agentType is unused.
type RouterDispatcher struct {
	r *router.Router
}

func NewRouterDispatcher(r *router.Router) *RouterDispatcher {
	return &RouterDispatcher{r: r}
}

func (d *RouterDispatcher) Dispatch(ctx context.Context, agentType types.AgentType, req types.AgentRequest) (types.AgentResponse, error) {
	return d.r.Route(ctx, req)
}
