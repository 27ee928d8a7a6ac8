package browser

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// Automator turns instructions into page actions. The default is
// ScriptAutomator; callers with an LLM-driven agent inject their own.
type Automator interface {
	Run(ctx context.Context, page playwright.Page, instructions string, progress chan<- models.StepEvent) (*models.StepResult, error)
}

// ScriptStep is one parsed instruction line
type ScriptStep struct {
	Line   int
	Action string
	Args   []string
}

func (s ScriptStep) String() string {
	return strings.TrimSpace(s.Action + " " + strings.Join(s.Args, " "))
}

var scriptArity = map[string]int{
	"goto":  1,
	"click": 1,
	"wait":  1,
	"fill":  2,
	"press": 2,
}

// ParseScript parses one instruction per line: goto <url>, click <selector>,
// wait <selector>, fill <selector> <value...>, press <selector> <key>.
// Blank lines and lines starting with # are skipped.
func ParseScript(instructions string) ([]ScriptStep, error) {
	var steps []ScriptStep

	scanner := bufio.NewScanner(strings.NewReader(instructions))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		action := strings.ToLower(fields[0])
		arity, ok := scriptArity[action]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown action %q", lineNo, fields[0])
		}

		args := fields[1:]
		if len(args) < arity {
			return nil, fmt.Errorf("line %d: %s needs %d argument(s)", lineNo, action, arity)
		}
		if action == "fill" {
			// the value may contain spaces
			args = []string{args[0], strings.Join(args[1:], " ")}
		}

		steps = append(steps, ScriptStep{Line: lineNo, Action: action, Args: args})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no instructions")
	}

	return steps, nil
}

// ScriptAutomator runs ParseScript instructions against a Playwright page
type ScriptAutomator struct {
	StepTimeout float64 // milliseconds
}

func (a ScriptAutomator) Run(ctx context.Context, page playwright.Page, instructions string, progress chan<- models.StepEvent) (*models.StepResult, error) {
	steps, err := ParseScript(instructions)
	if err != nil {
		return nil, err
	}

	timeout := a.StepTimeout
	if timeout == 0 {
		timeout = 30000
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		send(ctx, progress, models.StepEvent{
			Index:     i,
			Phase:     models.StepStarted,
			Action:    step.Action,
			Detail:    step.String(),
			Timestamp: time.Now(),
		})

		stepErr := a.runStep(page, step, timeout)

		ev := models.StepEvent{
			Index:     i,
			Phase:     models.StepFinished,
			Action:    step.Action,
			Detail:    step.String(),
			Success:   stepErr == nil,
			Timestamp: time.Now(),
		}
		if stepErr != nil {
			ev.Error = stepErr.Error()
		}
		send(ctx, progress, ev)

		if stepErr != nil {
			return nil, fmt.Errorf("step %d (%s) failed: %w", i+1, step.Action, stepErr)
		}
	}

	return &models.StepResult{
		Success:  true,
		Steps:    len(steps),
		FinalURL: page.URL(),
	}, nil
}

func (a ScriptAutomator) runStep(page playwright.Page, step ScriptStep, timeout float64) error {
	switch step.Action {
	case "goto":
		_, err := page.Goto(step.Args[0], playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   &timeout,
		})
		return err
	case "click":
		return page.Click(step.Args[0], playwright.PageClickOptions{Timeout: &timeout})
	case "fill":
		return page.Fill(step.Args[0], step.Args[1], playwright.PageFillOptions{Timeout: &timeout})
	case "press":
		return page.Press(step.Args[0], step.Args[1], playwright.PagePressOptions{Timeout: &timeout})
	case "wait":
		_, err := page.WaitForSelector(step.Args[0], playwright.PageWaitForSelectorOptions{Timeout: &timeout})
		return err
	}
	return fmt.Errorf("unsupported action %q", step.Action)
}
