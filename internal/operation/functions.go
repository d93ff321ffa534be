package operation

import (
	"context"

	"github.com/forrst-rpc/forrstd/internal/registry"
	"github.com/forrst-rpc/forrstd/model"
)

// Functions exposes the lifecycle controller as dispatched RPC functions:
// operation.status, operation.list, and operation.cancel.
func (c *Controller) Functions() []registry.Function {
	return []registry.Function{
		{Name: "operation.status", Version: "1", Handler: c.statusHandler},
		{Name: "operation.list", Version: "1", Handler: c.listHandler},
		{Name: "operation.cancel", Version: "1", Handler: c.cancelHandler},
	}
}

func (c *Controller) statusHandler(ctx context.Context, rctx *model.RequestContext, args map[string]any) (any, error) {
	id, err := operationIDArg(args)
	if err != nil {
		return nil, err
	}
	return c.Status(ctx, rctx, id)
}

func (c *Controller) cancelHandler(ctx context.Context, rctx *model.RequestContext, args map[string]any) (any, error) {
	id, err := operationIDArg(args)
	if err != nil {
		return nil, err
	}
	return c.Cancel(ctx, rctx, id)
}

func (c *Controller) listHandler(ctx context.Context, rctx *model.RequestContext, args map[string]any) (any, error) {
	var filter Filter
	if s, ok := args["status"].(string); ok && s != "" {
		filter.Status = model.OperationStatus(s)
	}
	if f, ok := args["function"].(string); ok && f != "" {
		urn, err := model.ParseURN(f)
		if err != nil {
			return nil, model.NewValidationError("/call/arguments/function", err.Error())
		}
		filter.Function = urn
	}

	limit := 20
	if raw, ok := args["limit"]; ok {
		// JSON numbers decode as float64.
		f, ok := raw.(float64)
		if !ok || f != float64(int(f)) {
			return nil, model.NewValidationError("/call/arguments/limit", "limit must be an integer")
		}
		limit = int(f)
	}

	cursor, _ := args["cursor"].(string)

	listing, err := c.List(ctx, rctx, filter, limit, cursor)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"operations": listing.Records}
	if listing.NextCursor != "" {
		result["nextCursor"] = listing.NextCursor
	}
	return result, nil
}

func operationIDArg(args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", model.NewValidationError("/call/arguments/id", "id is required")
	}
	if !model.ValidOperationID(id) {
		// A malformed id cannot name any operation; report it the same way
		// as an unknown one so the id format leaks nothing.
		return "", notFound()
	}
	return id, nil
}
