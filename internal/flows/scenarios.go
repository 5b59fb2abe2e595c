package flows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/flowctl/internal/flow"
	"github.com/danmuck/flowctl/internal/identity"
)

// Scenario is a named sample run and the outcome it must produce.
type Scenario struct {
	Name    string
	Tag     string
	Build   func(party identity.Party) flow.Flow
	WantErr error
}

var scenarios = map[string]Scenario{
	"ping": {
		Name: "ping",
		Tag:  TagPing,
		Build: func(p identity.Party) flow.Flow {
			return Ping(p, PingOptions{})
		},
	},
	"premature": {
		Name: "premature",
		Tag:  TagPing,
		Build: func(p identity.Party) flow.Flow {
			return Ping(p, PingOptions{PrematureClose: true})
		},
		WantErr: flow.ErrPrematureClose,
	},
	"closed": {
		Name: "closed",
		Tag:  TagPing,
		Build: func(p identity.Party) flow.Flow {
			return Ping(p, PingOptions{AccessClosedSession: true, Wait: 200 * time.Millisecond})
		},
		WantErr: flow.ErrUnexpectedSessionEnd,
	},
	"loop": {
		Name: "loop",
		Tag:  TagLoop,
		Build: func(p identity.Party) flow.Flow {
			return PingLoop(p, 100)
		},
	},
	"multi": {
		Name: "multi",
		Tag:  TagMulti,
		Build: func(p identity.Party) flow.Flow {
			return PingMulti(p, 2, 5)
		},
	},
}

func LookupScenario(name string) (Scenario, error) {
	sc, ok := scenarios[name]
	if !ok {
		return Scenario{}, fmt.Errorf("unknown scenario %q (have %v)", name, ScenarioNames())
	}
	return sc, nil
}

func ScenarioNames() []string {
	out := make([]string, 0, len(scenarios))
	for name := range scenarios {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Starter is satisfied by *flow.Manager.
type Starter interface {
	StartFlow(tag string, f flow.Flow) (*flow.FlowHandle, error)
}

// Run starts sc against party and waits for it. It returns the flow's own
// error together with a verdict that is nil when the outcome matched WantErr.
func Run(ctx context.Context, s Starter, sc Scenario, party identity.Party) (flowErr error, verdict error) {
	h, err := s.StartFlow(sc.Tag, sc.Build(party))
	if err != nil {
		return nil, err
	}
	flowErr = h.WaitContext(ctx)
	if errors.Is(flowErr, context.DeadlineExceeded) || errors.Is(flowErr, context.Canceled) {
		return flowErr, fmt.Errorf("scenario %s did not finish: %w", sc.Name, flowErr)
	}
	switch {
	case sc.WantErr == nil && flowErr != nil:
		return flowErr, fmt.Errorf("scenario %s failed: %w", sc.Name, flowErr)
	case sc.WantErr != nil && !errors.Is(flowErr, sc.WantErr):
		return flowErr, fmt.Errorf("scenario %s: want %v, got %v", sc.Name, sc.WantErr, flowErr)
	}
	return flowErr, nil
}
