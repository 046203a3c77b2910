package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Step actions understood by the flow runner.
const (
	ActionNavigate   = "navigate"
	ActionFill       = "fill"
	ActionClick      = "click"
	ActionWait       = "wait"
	ActionChallenge  = "challenge"
	ActionAnswer     = "answer"
	ActionExpect     = "expect"
	ActionScreenshot = "screenshot"
)

// Flow is a linear list of browser steps loaded from YAML.
type Flow struct {
	Name string `yaml:"name"`
	// SuccessMessage is sent to the owner when the flow completes.
	SuccessMessage string `yaml:"success_message"`
	Steps          []Step `yaml:"steps"`
}

// Step is one flow instruction. Which fields apply depends on Action.
type Step struct {
	Action   string `yaml:"action"`
	URL      string `yaml:"url,omitempty"`
	Selector string `yaml:"selector,omitempty"`
	// Value may reference credentials as ${secret.field}.
	Value string `yaml:"value,omitempty"`
	// Submit is clicked after an answer is typed.
	Submit string `yaml:"submit,omitempty"`
	// Kind is the input kind a challenge asks for (captcha, otp).
	Kind    string `yaml:"kind,omitempty"`
	Message string `yaml:"message,omitempty"`
	// Text must appear for an expect step to pass.
	Text string `yaml:"text,omitempty"`
	// FailText ends the flow with Reason when it appears.
	FailText string `yaml:"fail_text,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	// RetryText on an answer step means the answer was rejected; the
	// preceding challenge is shown again.
	RetryText string        `yaml:"retry_text,omitempty"`
	Duration  time.Duration `yaml:"duration,omitempty"`
	Name      string        `yaml:"name,omitempty"`
}

var secretRef = regexp.MustCompile(`\$\{secret\.([A-Za-z0-9_.-]+)\}`)

// ParseFlow decodes and validates one flow document.
func ParseFlow(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every step carries the fields its action needs.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("flow has no name")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow %s has no steps", f.Name)
	}
	lastChallenge := -1
	for i, s := range f.Steps {
		bad := func(msg string) error {
			return fmt.Errorf("flow %s step %d (%s): %s", f.Name, i+1, s.Action, msg)
		}
		switch s.Action {
		case ActionNavigate:
			if s.URL == "" {
				return bad("url is required")
			}
		case ActionFill, ActionClick:
			if s.Selector == "" {
				return bad("selector is required")
			}
		case ActionWait:
			if s.Selector == "" && s.Duration <= 0 {
				return bad("selector or duration is required")
			}
		case ActionChallenge:
			if s.Kind == "" {
				return bad("kind is required")
			}
			lastChallenge = i
		case ActionAnswer:
			if s.Selector == "" {
				return bad("selector is required")
			}
			if lastChallenge < 0 {
				return bad("answer without a preceding challenge")
			}
			lastChallenge = -1
		case ActionExpect:
			if s.Text == "" && s.FailText == "" {
				return bad("text or fail_text is required")
			}
		case ActionScreenshot:
		default:
			return bad("unknown action")
		}
	}
	return nil
}

// challengeBefore returns the index of the challenge answered at step i.
func (f *Flow) challengeBefore(i int) int {
	for j := i - 1; j >= 0; j-- {
		if f.Steps[j].Action == ActionChallenge {
			return j
		}
	}
	return -1
}

// LoadFlows reads every *.yaml and *.yml file in dir, keyed by flow name.
func LoadFlows(dir string) (map[string]*Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	flows := make(map[string]*Flow)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		f, err := ParseFlow(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if _, dup := flows[f.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate flow %q", e.Name(), f.Name)
		}
		flows[f.Name] = f
	}
	return flows, nil
}

// expand substitutes ${secret.field} references.
func expand(v string, secrets map[string]string) (string, error) {
	var missing []string
	out := secretRef.ReplaceAllStringFunc(v, func(m string) string {
		key := secretRef.FindStringSubmatch(m)[1]
		val, ok := secrets[key]
		if !ok {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing credential field(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}
