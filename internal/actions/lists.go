package actions

import "context"

func init() {
	Register("set_context", newSetContextAction)
	Register("add_to_list", newAddToListAction)
	Register("pop_from_list", newPopFromListAction)
}

// setContextAction merges the configured values map into the context.
// Controller machines use it to seed loop variables.
type setContextAction struct {
	cfg map[string]any
}

func newSetContextAction(cfg map[string]any) (Action, error) {
	return &setContextAction{cfg: cfg}, nil
}

func (a *setContextAction) Execute(_ context.Context, _ *Runtime, fc Context) (string, error) {
	for k, v := range mapKey(a.cfg, "values") {
		fc[k] = v
	}
	return successEvent(a.cfg, EventSuccess), nil
}

// addToListAction appends a value to a list-valued context key, creating
// the list when absent.
type addToListAction struct {
	cfg map[string]any
}

func newAddToListAction(cfg map[string]any) (Action, error) {
	return &addToListAction{cfg: cfg}, nil
}

func (a *addToListAction) Execute(_ context.Context, _ *Runtime, fc Context) (string, error) {
	key := stringKey(a.cfg, "list", "items")
	fc[key] = append(contextList(fc, key), a.cfg["value"])
	return successEvent(a.cfg, EventSuccess), nil
}

// popFromListAction removes the first element of a list-valued context key
// and stores it under item_key. Controllers iterating batches pair it with
// claim_job and start_fsm.
//
// Events: "popped" when an element was taken, "empty" when the list was
// exhausted (both overridable via success/empty keys).
type popFromListAction struct {
	cfg map[string]any
}

func newPopFromListAction(cfg map[string]any) (Action, error) {
	return &popFromListAction{cfg: cfg}, nil
}

func (a *popFromListAction) Execute(_ context.Context, _ *Runtime, fc Context) (string, error) {
	key := stringKey(a.cfg, "list", "items")
	itemKey := stringKey(a.cfg, "item_key", "current_item")

	list := contextList(fc, key)
	if len(list) == 0 {
		return stringKey(a.cfg, "empty", "empty"), nil
	}

	fc[itemKey] = list[0]
	fc[key] = list[1:]
	return successEvent(a.cfg, "popped"), nil
}
