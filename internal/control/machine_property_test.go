package control

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/internal/testutil"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var ops = []string{"request", "transfer", "action", "return", "pause", "resume"}

func newRapidMachine() (*Machine, *session.Session) {
	store := session.NewStore()
	s := session.New(sid, "task", &browser.Instance{SessionID: sid, Driver: testutil.NewFakeDriver()})
	store.Add(s)
	return NewMachine(store, &testutil.Publisher{}, metrics.Nop()), s
}

func apply(m *Machine, op string) error {
	ctx := context.Background()
	switch op {
	case "request":
		_, err := m.RequestHumanControl(sid, "r", models.AgentStateSnapshot{}, nil)
		return err
	case "transfer":
		return m.TransferControlToHuman(ctx, sid, "", nil)
	case "action":
		_, err := m.RecordHumanAction(sid, models.HumanAction{Type: "click"})
		return err
	case "return":
		_, err := m.ReturnControlToAgent(ctx, sid, "", nil, nil)
		return err
	case "pause":
		return m.PauseAgent(sid, "p")
	case "resume":
		return m.ResumeAgent(sid, "r")
	}
	panic("unknown op " + op)
}

func openEpisodes(s *session.Session) int {
	open := 0
	for _, h := range s.Control().History {
		if h.Active() {
			open++
		}
	}
	return open
}

// model predicts the next state and whether a transition is realized
func model(state models.ControlState, op string) (next models.ControlState, realized bool, wantErr error) {
	switch op {
	case "request":
		switch state {
		case models.StateAgentActive, models.StateAgentPaused:
			return models.StateHumanRequested, true, nil
		}
		return state, false, nil
	case "transfer":
		if state == models.StateHumanRequested {
			return models.StateHumanActive, true, nil
		}
		return state, false, ErrNoPendingRequest
	case "action":
		if state == models.StateHumanActive {
			return state, false, nil
		}
		return state, false, ErrNoActiveHumanSession
	case "return":
		switch state {
		case models.StateHumanActive:
			return models.StateAgentActive, true, nil
		case models.StateHumanRequested:
			return state, false, ErrInvalidTransition
		}
		return state, false, ErrNoActiveHumanSession
	case "pause":
		if state == models.StateAgentActive {
			return models.StateAgentPaused, true, nil
		}
		return state, false, ErrInvalidTransition
	case "resume":
		if state == models.StateAgentPaused {
			return models.StateAgentActive, true, nil
		}
		return state, false, ErrNotPaused
	}
	panic("unknown op " + op)
}

func TestProperty_SequentialTransitionsMatchModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m, s := newRapidMachine()
		state := models.StateAgentActive
		events := 0

		steps := rapid.SliceOfN(rapid.SampledFrom(ops), 1, 60).Draw(rt, "ops")
		for _, op := range steps {
			next, realized, wantErr := model(state, op)
			err := apply(m, op)

			if wantErr == nil && err != nil {
				rt.Fatalf("%s from %s: unexpected error %v", op, state, err)
			}
			if wantErr != nil && !errors.Is(err, wantErr) {
				rt.Fatalf("%s from %s: want %v, got %v", op, state, wantErr, err)
			}
			if realized {
				events++
			}
			state = next

			snap := s.Control()
			if snap.State != state {
				rt.Fatalf("after %s: state %s, model %s", op, snap.State, state)
			}
			if len(snap.Events) != events {
				rt.Fatalf("after %s: %d events, want %d", op, len(snap.Events), events)
			}
			if open := openEpisodes(s); open > 1 || (open == 1) != state.HumanControlled() {
				rt.Fatalf("after %s in %s: %d open human sessions", op, state, open)
			}
		}
	})
}

func TestProperty_ConcurrentInterleavingsKeepOneHumanSession(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m, s := newRapidMachine()
		workers := rapid.IntRange(2, 6).Draw(rt, "workers")

		plans := make([][]string, workers)
		for i := range plans {
			plans[i] = rapid.SliceOfN(rapid.SampledFrom(ops), 1, 25).Draw(rt, "plan")
		}

		var violations sync.Map
		var wg sync.WaitGroup
		for _, plan := range plans {
			wg.Add(1)
			go func(plan []string) {
				defer wg.Done()
				for _, op := range plan {
					_ = apply(m, op)
					if open := openEpisodes(s); open > 1 {
						violations.Store(op, open)
					}
				}
			}(plan)
		}
		wg.Wait()

		violations.Range(func(k, v any) bool {
			rt.Fatalf("after %v: %v human sessions open at once", k, v)
			return false
		})

		snap := s.Control()
		for i, ev := range snap.Events {
			if i > 0 && ev.FromState != snap.Events[i-1].ToState {
				rt.Fatalf("event %d starts from %s but previous ended in %s", i, ev.FromState, snap.Events[i-1].ToState)
			}
		}
	})
}
