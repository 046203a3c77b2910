package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/secrets"
)

// fakePage records actions and serves scripted page texts.
type fakePage struct {
	mu      sync.Mutex
	actions []string
	texts   []string
	failOn  string
	closed  bool
}

func (p *fakePage) record(a string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, a)
	if p.failOn != "" && strings.HasPrefix(a, p.failOn) {
		p.failOn = ""
		return errors.New("node not found")
	}
	return nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error { return p.record("navigate " + url) }
func (p *fakePage) Fill(_ context.Context, sel, v string) error { return p.record("fill " + sel + "=" + v) }
func (p *fakePage) Click(_ context.Context, sel string) error { return p.record("click " + sel) }

func (p *fakePage) WaitVisible(_ context.Context, sel string) error {
	return p.record("wait " + sel)
}

func (p *fakePage) Screenshot(_ context.Context, sel string) (Image, error) {
	if err := p.record("shot " + sel); err != nil {
		return Image{}, err
	}
	return Image{Data: []byte("png:" + sel), ContentType: "image/png"}, nil
}

func (p *fakePage) Text(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.texts) == 0 {
		return "", nil
	}
	t := p.texts[0]
	p.texts = p.texts[1:]
	return t, nil
}

func (p *fakePage) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePage) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

type fakeBrowser struct {
	pages []*fakePage
	next  func() *fakePage
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	p := b.next()
	b.pages = append(b.pages, p)
	return p, nil
}

const bookingFlow = `
name: booking
success_message: Appointment booked
steps:
  - action: navigate
    url: https://example.test/login
  - action: fill
    selector: "#user"
    value: ${secret.username}
  - action: fill
    selector: "#pass"
    value: ${secret.password}
  - action: challenge
    kind: captcha
    selector: "#captcha"
    message: Type the characters
  - action: answer
    selector: "#captcha-input"
    submit: "#login"
    retry_text: Invalid Captcha
  - action: expect
    text: Welcome
    fail_text: Account locked
    reason: account locked
  - action: screenshot
    name: confirmation
`

func newTestDriver(t *testing.T, page func() *fakePage) (*Driver, *fakeBrowser) {
	t.Helper()
	f, err := ParseFlow([]byte(bookingFlow))
	require.NoError(t, err)
	b := &fakeBrowser{next: page}
	vault := secrets.Static{"vault:alice": {"username": "alice", "password": "s3cret"}}
	return NewDriver(map[string]*Flow{f.Name: f}, b, vault, zerolog.Nop()), b
}

func step(resume *driver.Input) driver.Step {
	return driver.Step{SessionID: "s1", Owner: "alice", Flow: "booking", CredentialsRef: "vault:alice", Attempt: 1, Resume: resume}
}

func TestDriver_ChallengeResumeSuccess(t *testing.T) {
	page := &fakePage{texts: []string{"ok", "Welcome alice"}}
	d, _ := newTestDriver(t, func() *fakePage { return page })
	ctx := context.Background()

	out, err := d.RunStep(ctx, step(nil))
	require.NoError(t, err)
	paused, ok := out.(driver.Paused)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, "captcha", paused.Kind)
	assert.Equal(t, "Type the characters", paused.Message)
	require.NotNil(t, paused.Prompt)
	assert.Equal(t, "captcha.png", paused.Prompt.Name)

	out, err = d.RunStep(ctx, step(&driver.Input{Kind: "captcha", Value: "XYZ"}))
	require.NoError(t, err)
	success, ok := out.(driver.Success)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, "Appointment booked", success.Message)
	require.NotNil(t, success.Result)
	assert.Equal(t, "confirmation.png", success.Result.Name)

	assert.Equal(t, []string{
		"navigate https://example.test/login",
		"fill #user=alice",
		"fill #pass=s3cret",
		"shot #captcha",
		"fill #captcha-input=XYZ",
		"click #login",
		"shot ",
	}, page.Actions())

	d.Release("s1")
	assert.True(t, page.closed)
	assert.Zero(t, d.Active())
}

func TestDriver_RejectedAnswerPromptsAgain(t *testing.T) {
	page := &fakePage{texts: []string{"Invalid Captcha", "fine", "Welcome"}}
	d, _ := newTestDriver(t, func() *fakePage { return page })
	ctx := context.Background()

	_, err := d.RunStep(ctx, step(nil))
	require.NoError(t, err)

	out, err := d.RunStep(ctx, step(&driver.Input{Kind: "captcha", Value: "wrong"}))
	require.NoError(t, err)
	paused, ok := out.(driver.Paused)
	require.True(t, ok, "got %v", out)
	assert.Contains(t, paused.Message, "not accepted")

	out, err = d.RunStep(ctx, step(&driver.Input{Kind: "captcha", Value: "right"}))
	require.NoError(t, err)
	assert.IsType(t, driver.Success{}, out)
}

func TestDriver_FailTextIsFailureWithEvidence(t *testing.T) {
	page := &fakePage{texts: []string{"ok", "Account locked"}}
	d, _ := newTestDriver(t, func() *fakePage { return page })
	ctx := context.Background()

	_, err := d.RunStep(ctx, step(nil))
	require.NoError(t, err)
	out, err := d.RunStep(ctx, step(&driver.Input{Kind: "captcha", Value: "XYZ"}))
	require.NoError(t, err)

	failure, ok := out.(driver.Failure)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, "account locked", failure.Reason)
	require.NotNil(t, failure.Evidence)
}

func TestDriver_PageErrorIsTransientAndRetriesFromCursor(t *testing.T) {
	page := &fakePage{failOn: "fill #pass"}
	d, _ := newTestDriver(t, func() *fakePage { return page })
	ctx := context.Background()

	out, err := d.RunStep(ctx, step(nil))
	require.NoError(t, err)
	te, ok := out.(driver.TransientError)
	require.True(t, ok, "got %v", out)
	assert.Contains(t, te.Reason, "step 3 (fill)")

	out, err = d.RunStep(ctx, step(nil))
	require.NoError(t, err)
	assert.IsType(t, driver.Paused{}, out)

	// The retry picked up at the failed step instead of navigating again.
	navigations := 0
	for _, a := range page.Actions() {
		if strings.HasPrefix(a, "navigate") {
			navigations++
		}
	}
	assert.Equal(t, 1, navigations)
}

func TestDriver_ResumeWithoutPageRestartsFlow(t *testing.T) {
	d, b := newTestDriver(t, func() *fakePage { return &fakePage{} })

	out, err := d.RunStep(context.Background(), step(&driver.Input{Kind: "captcha", Value: "stale"}))
	require.NoError(t, err)
	assert.IsType(t, driver.Paused{}, out)
	require.Len(t, b.pages, 1)
	for _, a := range b.pages[0].Actions() {
		assert.NotContains(t, a, "stale")
	}
}

func TestDriver_UnknownFlowAndCredentials(t *testing.T) {
	d, _ := newTestDriver(t, func() *fakePage { return &fakePage{} })
	ctx := context.Background()

	out, err := d.RunStep(ctx, driver.Step{SessionID: "x", Flow: "nope"})
	require.NoError(t, err)
	assert.Equal(t, driver.Failure{Reason: "unknown flow nope"}, out)

	s := step(nil)
	s.CredentialsRef = "vault:bob"
	out, err = d.RunStep(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, driver.Failure{Reason: "unknown credentials"}, out)
}

func TestParseFlow_Validation(t *testing.T) {
	cases := map[string]string{
		"no name":            "steps:\n  - action: click\n    selector: a\n",
		"no steps":           "name: x\n",
		"unknown action":     "name: x\nsteps:\n  - action: dance\n",
		"orphan answer":      "name: x\nsteps:\n  - action: answer\n    selector: a\n",
		"navigate no url":    "name: x\nsteps:\n  - action: navigate\n",
		"expect no text":     "name: x\nsteps:\n  - action: expect\n",
		"challenge w/o kind": "name: x\nsteps:\n  - action: challenge\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFlow([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestExpand(t *testing.T) {
	got, err := expand("${secret.user}:${secret.pass}", map[string]string{"user": "a", "pass": "b"})
	require.NoError(t, err)
	assert.Equal(t, "a:b", got)

	_, err = expand("${secret.otp}", nil)
	assert.ErrorContains(t, err, "otp")
}
