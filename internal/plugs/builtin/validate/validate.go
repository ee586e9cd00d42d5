// Package validate is the builtin extension that applies size limits to
// events, subscription ids and filters.
package validate

import (
	"context"

	"github.com/alfredjeanlab/booger/internal/plugs"
	rules "github.com/alfredjeanlab/booger/internal/validate"
)

// Name is the extension's name in plugs.use and its config section.
const Name = "validate"

// Plug rejects events and subscriptions that exceed the configured limits.
type Plug struct {
	v *rules.Validator
}

var _ plugs.Extension = (*Plug)(nil)

// New returns a plug enforcing limits.
func New(limits rules.Limits) *Plug {
	return &Plug{v: rules.New(limits)}
}

// Open reads the plug's limits from p over the defaults.
func Open(p plugs.ConfigProvider) (*Plug, error) {
	limits := rules.DefaultLimits()
	if err := p.DecodePlug(Name, &limits); err != nil {
		return nil, err
	}
	return New(limits), nil
}

func (p *Plug) Name() string { return Name }

func (p *Plug) Capabilities(context.Context) ([]plugs.Action, error) {
	return []plugs.Action{plugs.ActionEvent, plugs.ActionSub}, nil
}

func (p *Plug) Run(ctx context.Context, inbox <-chan plugs.Request, outbox chan<- plugs.Reply) error {
	return plugs.Serve(ctx, inbox, outbox, p.handle)
}

func (p *Plug) handle(_ context.Context, req plugs.Request) plugs.Reply {
	var err error
	switch req.Action {
	case plugs.ActionEvent:
		if req.Data.Event != nil {
			err = p.v.CheckLimits(req.Data.Event)
		}
	case plugs.ActionSub:
		err = p.v.ValidateSubID(req.Data.SubID)
		if err == nil {
			err = p.v.ValidateFilters(req.Data.Filters)
		}
	}
	if err != nil {
		return plugs.Reject(err.Error())
	}
	return plugs.Accept()
}
