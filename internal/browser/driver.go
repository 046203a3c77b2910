// Package browser runs scripted web flows in Chrome and reports their progress
// as driver outcomes. A flow pauses at challenge steps, and the human's answer
// is typed in when the session resumes.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/secrets"
)

const rejectedAnswer = "The previous answer was not accepted. Please try again."

// run is the live state of one session's flow.
type run struct {
	mu     sync.Mutex
	page   Page
	cursor int
	// retry is set when a challenge is shown again after a rejected answer.
	retry bool
}

// Driver is a driver.Driver running YAML flows in a Browser.
type Driver struct {
	flows   map[string]*Flow
	browser Browser
	secrets secrets.Fetcher
	log     zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

var (
	_ driver.Driver   = (*Driver)(nil)
	_ driver.Releaser = (*Driver)(nil)
)

func NewDriver(flows map[string]*Flow, b Browser, f secrets.Fetcher, logger zerolog.Logger) *Driver {
	return &Driver{
		flows:   flows,
		browser: b,
		secrets: f,
		log:     logger.With().Str("component", "browser").Logger(),
		runs:    make(map[string]*run),
	}
}

// Flows lists the loaded flow names.
func (d *Driver) Flows() []string {
	names := make([]string, 0, len(d.flows))
	for n := range d.flows {
		names = append(names, n)
	}
	return names
}

func (d *Driver) RunStep(ctx context.Context, step driver.Step) (driver.Outcome, error) {
	flow, ok := d.flows[step.Flow]
	if !ok {
		return driver.Failure{Reason: "unknown flow " + step.Flow}, nil
	}
	log := d.log.With().Str("session_id", step.SessionID).Str("flow", flow.Name).Int("attempt", step.Attempt).Logger()

	r, resumeLost := d.session(step)
	r.mu.Lock()
	defer r.mu.Unlock()

	if resumeLost {
		// The tab holding the challenge is gone; start over and ask again.
		log.Warn().Msg("no live page for resumed session, restarting flow")
		step.Resume = nil
	}
	if r.page == nil {
		page, err := d.browser.NewPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("open page: %w", err)
		}
		r.page, r.cursor = page, 0
	}

	var creds map[string]string
	if step.CredentialsRef != "" && d.secrets != nil {
		c, err := d.secrets.Fetch(ctx, step.CredentialsRef)
		if err != nil {
			if errors.Is(err, secrets.ErrUnknownRef) {
				return driver.Failure{Reason: "unknown credentials"}, nil
			}
			return nil, err
		}
		creds = c
	}

	return d.execute(ctx, log, flow, r, step.Resume, creds)
}

// session returns the run for step, creating it when needed. resumeLost
// reports a resume for which no page survives.
func (d *Driver) session(step driver.Step) (r *run, resumeLost bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.runs[step.SessionID]
	if !ok {
		r = &run{}
		d.runs[step.SessionID] = r
		return r, step.Resume != nil
	}
	return r, step.Resume != nil && r.page == nil
}

func (d *Driver) execute(ctx context.Context, log zerolog.Logger, flow *Flow, r *run, resume *driver.Input, creds map[string]string) (driver.Outcome, error) {
	var result *driver.Artifact
	page := r.page

	for i := r.cursor; i < len(flow.Steps); i++ {
		s := flow.Steps[i]
		log.Debug().Int("step", i+1).Str("action", s.Action).Msg("flow step")

		fail := func(err error) (driver.Outcome, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Cursor stays put so the retry starts from the same step.
			r.cursor = i
			return driver.TransientError{Reason: fmt.Sprintf("step %d (%s): %v", i+1, s.Action, err)}, nil
		}

		switch s.Action {
		case ActionNavigate:
			if err := page.Navigate(ctx, s.URL); err != nil {
				return fail(err)
			}
		case ActionFill:
			v, err := expand(s.Value, creds)
			if err != nil {
				return driver.Failure{Reason: err.Error()}, nil
			}
			if err := page.Fill(ctx, s.Selector, v); err != nil {
				return fail(err)
			}
		case ActionClick:
			if err := page.Click(ctx, s.Selector); err != nil {
				return fail(err)
			}
		case ActionWait:
			if s.Selector != "" {
				if err := page.WaitVisible(ctx, s.Selector); err != nil {
					return fail(err)
				}
			} else if err := sleep(ctx, s.Duration); err != nil {
				return nil, err
			}
		case ActionChallenge:
			img, err := page.Screenshot(ctx, s.Selector)
			if err != nil {
				return fail(err)
			}
			msg := s.Message
			if r.retry {
				msg = strings.TrimSpace(rejectedAnswer + " " + msg)
				r.retry = false
			}
			r.cursor = i + 1
			return driver.Paused{
				Kind:    s.Kind,
				Message: msg,
				Prompt:  &driver.Artifact{Name: s.Kind + ext(img.ContentType), ContentType: img.ContentType, Data: img.Data},
			}, nil
		case ActionAnswer:
			if resume == nil {
				// Reached without an answer, e.g. after a restart: ask again.
				r.cursor = flow.challengeBefore(i)
				i = r.cursor - 1
				continue
			}
			if err := page.Fill(ctx, s.Selector, resume.Value); err != nil {
				return fail(err)
			}
			resume = nil
			if s.Submit != "" {
				if err := page.Click(ctx, s.Submit); err != nil {
					return fail(err)
				}
			}
			if s.RetryText != "" {
				text, err := page.Text(ctx)
				if err != nil {
					return fail(err)
				}
				if strings.Contains(text, s.RetryText) {
					log.Info().Msg("answer rejected, showing the challenge again")
					r.retry = true
					i = flow.challengeBefore(i) - 1
					continue
				}
			}
		case ActionExpect:
			text, err := page.Text(ctx)
			if err != nil {
				return fail(err)
			}
			if s.FailText != "" && strings.Contains(text, s.FailText) {
				reason := s.Reason
				if reason == "" {
					reason = "page reported: " + s.FailText
				}
				return driver.Failure{Reason: reason, Evidence: d.evidence(ctx, page)}, nil
			}
			if s.Text != "" && !strings.Contains(text, s.Text) {
				return driver.Failure{Reason: fmt.Sprintf("expected %q not found", s.Text), Evidence: d.evidence(ctx, page)}, nil
			}
		case ActionScreenshot:
			img, err := page.Screenshot(ctx, s.Selector)
			if err != nil {
				return fail(err)
			}
			name := s.Name
			if name == "" {
				name = "result"
			}
			result = &driver.Artifact{Name: name + ext(img.ContentType), ContentType: img.ContentType, Data: img.Data}
		}
	}

	r.cursor = len(flow.Steps)
	return driver.Success{Message: flow.SuccessMessage, Result: result}, nil
}

// evidence grabs the current screen for a failure; best effort.
func (d *Driver) evidence(ctx context.Context, page Page) *driver.Artifact {
	img, err := page.Screenshot(ctx, "")
	if err != nil {
		d.log.Debug().Err(err).Msg("evidence screenshot failed")
		return nil
	}
	return &driver.Artifact{Name: "failure" + ext(img.ContentType), ContentType: img.ContentType, Data: img.Data}
}

// Release closes the session's tab.
func (d *Driver) Release(sessionID string) {
	d.mu.Lock()
	r, ok := d.runs[sessionID]
	delete(d.runs, sessionID)
	d.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.page != nil {
		r.page.Close()
		r.page = nil
	}
}

// Active is the number of sessions holding a page.
func (d *Driver) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

func ext(contentType string) string {
	if contentType == "image/jpeg" {
		return ".jpg"
	}
	return ".png"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
