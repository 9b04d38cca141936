package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"

	"github.com/fetchpipe/fetchpipe/internal/config"
	"github.com/fetchpipe/fetchpipe/internal/util"
)

// Fixed viewport for every attempt.
const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

// PageResponse describes the main-document response after navigation.
type PageResponse struct {
	Status        int
	ContentType   string
	FinalURL      string
	RedirectChain []string
}

// Page is one browser tab serving a single attempt. Close must be called
// on every exit path.
type Page interface {
	Navigate(ctx context.Context, targetURL string) (*PageResponse, error)
	Content(ctx context.Context) (string, error)
	Close() error
}

// Browser creates pages against one long-lived browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	UserAgent() string
	Close() error
}

// ChromeBrowser drives a shared headless Chrome via chromedp. Pages are
// independent tabs off the same allocator, so attempts are isolated
// while the process is reused.
type ChromeBrowser struct {
	cfg *config.App

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

// NewChromeBrowser launches the browser process.
func NewChromeBrowser(ctx context.Context, cfg *config.App) (*ChromeBrowser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Materialise the browser process up front so startup failures
	// surface here rather than on the first attempt.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	log.Info().
		Str("wait_strategy", cfg.WaitStrategy).
		Bool("disable_images", cfg.DisableImages).
		Bool("disable_css", cfg.DisableCSS).
		Msg("Headless browser started")

	return &ChromeBrowser{
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
	}, nil
}

// UserAgent returns the UA every page sends.
func (b *ChromeBrowser) UserAgent() string {
	return b.cfg.UserAgent
}

// Close tears the browser process down.
func (b *ChromeBrowser) Close() error {
	b.cancel()
	b.allocCancel()
	return nil
}

// NewPage opens a fresh tab configured for one attempt.
func (b *ChromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)

	// Tie tab lifetime to the caller's context.
	stop := context.AfterFunc(ctx, tabCancel)

	p := &chromePage{
		cfg:       b.cfg,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		stopAfter: stop,
	}

	if err := p.setup(); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

type chromePage struct {
	cfg       *config.App
	tabCtx    context.Context
	tabCancel context.CancelFunc
	stopAfter func() bool

	mu        sync.Mutex
	status    int
	mimeType  string
	finalURL  string
	redirects []string
	lifecycle map[string]chan struct{}
}

// blockedResourceTypes returns the resource types the interceptor aborts.
func blockedResourceTypes(cfg *config.App) map[network.ResourceType]bool {
	blocked := map[network.ResourceType]bool{}
	if cfg.DisableImages {
		blocked[network.ResourceTypeImage] = true
		blocked[network.ResourceTypeStylesheet] = true
		blocked[network.ResourceTypeFont] = true
	}
	if cfg.DisableCSS {
		blocked[network.ResourceTypeStylesheet] = true
	}
	return blocked
}

// lifecycleEventName maps a wait strategy onto the CDP lifecycle event
// navigation waits for.
func lifecycleEventName(strategy string) string {
	switch strategy {
	case "basic":
		return "load"
	case "moderate":
		return "networkIdle"
	case "comprehensive":
		return "networkAlmostIdle"
	default: // fast
		return "DOMContentLoaded"
	}
}

// setup enables the CDP domains, installs listeners and applies the UA,
// viewport and resource interception before any navigation.
func (p *chromePage) setup() error {
	p.lifecycle = map[string]chan struct{}{
		"DOMContentLoaded":  make(chan struct{}),
		"load":              make(chan struct{}),
		"networkIdle":       make(chan struct{}),
		"networkAlmostIdle": make(chan struct{}),
	}

	blocked := blockedResourceTypes(p.cfg)
	intercept := len(blocked) > 0

	chromedp.ListenTarget(p.tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			p.mu.Lock()
			ch, ok := p.lifecycle[e.Name]
			p.mu.Unlock()
			if ok {
				select {
				case <-ch:
				default:
					close(ch)
				}
			}

		case *network.EventRequestWillBeSent:
			// Document-level redirects build the chain; the final hop is
			// excluded because it becomes finalUrl.
			if e.Type == network.ResourceTypeDocument && e.RedirectResponse != nil {
				p.mu.Lock()
				p.redirects = append(p.redirects, e.RedirectResponse.URL)
				p.mu.Unlock()
			}

		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument {
				p.mu.Lock()
				p.status = int(e.Response.Status)
				p.mimeType = e.Response.MimeType
				p.finalURL = e.Response.URL
				p.mu.Unlock()
			}

		case *fetch.EventRequestPaused:
			go p.handlePaused(e, blocked)
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		emulation.SetUserAgentOverride(p.cfg.UserAgent),
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
	}
	if intercept {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*"},
		}))
	}

	if err := chromedp.Run(p.tabCtx, actions...); err != nil {
		return fmt.Errorf("failed to prepare page: %w", err)
	}

	return nil
}

// handlePaused continues or aborts an intercepted request. Runs off the
// listener goroutine so CDP commands cannot deadlock the event stream.
func (p *chromePage) handlePaused(e *fetch.EventRequestPaused, blocked map[network.ResourceType]bool) {
	cmdCtx, cancel := context.WithTimeout(p.tabCtx, 2*time.Second)
	defer cancel()

	c := chromedp.FromContext(cmdCtx)
	if c == nil || c.Target == nil {
		return
	}
	executor := cdp.WithExecutor(cmdCtx, c.Target)

	if blocked[e.ResourceType] {
		if err := fetch.FailRequest(e.RequestID, network.ErrorReasonAborted).Do(executor); err != nil {
			log.Debug().Err(err).Str("url", e.Request.URL).Msg("Failed to abort blocked request")
		}
		return
	}

	if err := fetch.ContinueRequest(e.RequestID).Do(executor); err != nil {
		// Fail it rather than leave it hanging in the paused state.
		_ = fetch.FailRequest(e.RequestID, network.ErrorReasonAborted).Do(executor)
	}
}

// Navigate loads targetURL and waits for the configured lifecycle event.
// A nil response with nil error means navigation finished without a
// main-document response.
func (p *chromePage) Navigate(ctx context.Context, targetURL string) (*PageResponse, error) {
	navCtx, cancel := context.WithTimeout(p.tabCtx, p.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	waitFor := lifecycleEventName(p.cfg.WaitStrategy)

	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(runCtx context.Context) error {
		_, _, errText, _, err := page.Navigate(targetURL).Do(runCtx)
		if err != nil {
			return err
		}
		if errText != "" {
			// Chrome-style net error, e.g. net::ERR_NAME_NOT_RESOLVED.
			return fmt.Errorf("page load error %s", errText)
		}

		p.mu.Lock()
		waitCh := p.lifecycle[waitFor]
		p.mu.Unlock()

		select {
		case <-waitCh:
			return nil
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}))
	if err != nil {
		if navCtx.Err() != nil && err == navCtx.Err() {
			return nil, fmt.Errorf("navigation timeout of %s exceeded", p.cfg.NavigationTimeout)
		}
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == 0 {
		return nil, nil
	}

	chain := make([]string, 0, len(p.redirects))
	for _, u := range p.redirects {
		chain = append(chain, util.Canonical(u))
	}

	contentType := p.mimeType
	if contentType == "" {
		contentType = "text/html"
	}

	return &PageResponse{
		Status:        p.status,
		ContentType:   contentType,
		FinalURL:      p.finalURL,
		RedirectChain: chain,
	}, nil
}

// Content serialises the current DOM.
func (p *chromePage) Content(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithTimeout(p.tabCtx, p.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
		node, err := dom.GetDocument().Do(c)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(c)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}

	return html, nil
}

// Close tears the tab down.
func (p *chromePage) Close() error {
	if p.stopAfter != nil {
		p.stopAfter()
	}
	p.tabCancel()
	return nil
}
