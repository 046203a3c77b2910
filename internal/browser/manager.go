package browser

import (
	"context"
	"sync"

	"github.com/chromedp/chromedp"
)

// Page is one browser tab a flow runs in.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	// Screenshot captures selector, or the full page when selector is empty.
	Screenshot(ctx context.Context, selector string) (Image, error)
	// Text returns the visible text of the page body.
	Text(ctx context.Context) (string, error)
	Close()
}

// Image is captured screenshot bytes.
type Image struct {
	Data        []byte
	ContentType string
}

// Browser opens pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

// Manager is a chromedp Browser. It either attaches to a remote debugging
// endpoint or starts a local Chrome on first use.
type Manager struct {
	remoteURL string // e.g. "ws://localhost:9222"
	headless  bool

	once     sync.Once
	allocCtx context.Context
	cancel   context.CancelFunc
}

func NewManager(remoteURL string, headless bool) *Manager {
	return &Manager{remoteURL: remoteURL, headless: headless}
}

func (m *Manager) allocator() context.Context {
	m.once.Do(func() {
		if m.remoteURL != "" {
			// Connect to existing browser (Remote Debugging)
			m.allocCtx, m.cancel = chromedp.NewRemoteAllocator(context.Background(), m.remoteURL)
			return
		}
		opts := chromedp.DefaultExecAllocatorOptions[:]
		if !m.headless {
			opts = append(append([]chromedp.ExecAllocatorOption(nil), opts...), chromedp.Flag("headless", false))
		}
		m.allocCtx, m.cancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return m.allocCtx
}

// NewPage opens a tab. The tab outlives ctx; Close releases it.
func (m *Manager) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(m.allocator())
	p := &chromePage{ctx: tabCtx, cancel: cancel}
	// The first Run starts the browser and opens the tab.
	if err := p.run(ctx); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// Close shuts the browser down together with every tab.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions in the tab, bounded by ctx without tying the tab's
// lifetime to it.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector),
		chromedp.Clear(selector),
		chromedp.SendKeys(selector, value),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector),
		chromedp.Click(selector),
	)
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector))
}

func (p *chromePage) Screenshot(ctx context.Context, selector string) (Image, error) {
	var buf []byte
	if selector == "" {
		if err := p.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
			return Image{}, err
		}
		return Image{Data: buf, ContentType: "image/jpeg"}, nil
	}
	if err := p.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.NodeVisible)); err != nil {
		return Image{}, err
	}
	return Image{Data: buf, ContentType: "image/png"}, nil
}

func (p *chromePage) Text(ctx context.Context) (string, error) {
	var s string
	err := p.run(ctx, chromedp.Text("body", &s, chromedp.ByQuery))
	return s, err
}

func (p *chromePage) Close() { p.cancel() }
