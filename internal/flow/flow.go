package flow

import "github.com/google/uuid"

// FlowID identifies one running flow instance.
type FlowID string

func newFlowID() FlowID {
	return FlowID(uuid.NewString())
}

func (id FlowID) String() string {
	return string(id)
}

// Role says whether an instance was started locally or in answer to an INIT.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Flow is a unit of business logic driven through a Context.
type Flow interface {
	Call(ctx *Context) error
}

// FlowFunc adapts a function to Flow.
type FlowFunc func(ctx *Context) error

func (f FlowFunc) Call(ctx *Context) error {
	return f(ctx)
}
