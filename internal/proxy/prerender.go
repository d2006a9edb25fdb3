package proxy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// prerenderer renders a page in a headless browser before the rewrite pass,
// so references inserted by page scripts are present in the html the engine
// scans. One shared allocator, one browser context per fetch.
type prerenderer struct {
	allocator context.Context
	cancel    context.CancelFunc
	logger    *log.Logger
}

func newPrerenderer(logger *log.Logger) *prerenderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &prerenderer{
		allocator: allocCtx,
		cancel:    cancel,
		logger:    logger,
	}
}

func (p *prerenderer) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}

const prerenderTimeout = 25 * time.Second
const networkIdleWindow = 500 * time.Millisecond

// Fetch renders target and returns the settled outer html plus the final url
// after redirects. It waits for the network to go quiet so lazily inserted
// image references make it into the snapshot.
func (p *prerenderer) Fetch(ctx context.Context, target, ua string) ([]byte, string, error) {
	if strings.TrimSpace(target) == "" {
		return nil, "", fmt.Errorf("prerender: empty target url")
	}
	taskCtx, cancelBrowser := chromedp.NewContext(p.allocator)
	defer cancelBrowser()

	if ctx != nil {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithCancel(taskCtx)
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-taskCtx.Done():
			}
		}()
		defer cancel()
	}
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, prerenderTimeout)
	defer cancelTimeout()

	var mu sync.Mutex
	activeRequests := 0
	lastActivity := time.Now()

	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			activeRequests++
			lastActivity = time.Now()
			mu.Unlock()
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			mu.Lock()
			if activeRequests > 0 {
				activeRequests--
			}
			lastActivity = time.Now()
			mu.Unlock()
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
	}
	if ua = strings.TrimSpace(ua); ua != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
	}

	var finalURL string
	var htmlContent string
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				mu.Lock()
				active := activeRequests
				elapsed := time.Since(lastActivity)
				mu.Unlock()
				if active == 0 && elapsed >= networkIdleWindow {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		}),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &htmlContent, chromedp.ByQuery),
	)

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, "", err
	}
	if finalURL == "" {
		finalURL = target
	}
	p.logger.Printf("PRERENDER %s -> %s (%d bytes)", target, finalURL, len(htmlContent))
	return []byte(htmlContent), finalURL, nil
}
