// Package headless launches Chrome processes through chromedp and exposes
// them as admission.Browser values.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/prometheus/procfs"

	"github.com/JakeFAU/render-gateway/internal/admission"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls how browsers are launched and driven.
type Config struct {
	UserAgent string
	ExecPath  string
	NoSandbox bool
	// Headers are sent with every navigation.
	Headers map[string]string
	// NavigationTimeout applies when the caller's context has no deadline.
	NavigationTimeout time.Duration
	// SettleDelay waits after the body is ready so late scripts can run.
	SettleDelay time.Duration
}

// Launcher implements admission.Launcher with one Chrome process per browser.
type Launcher struct {
	cfg Config
}

// NewLauncher returns a chromedp launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	return &Launcher{cfg: cfg}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Launch starts Chrome and waits for the first target. ctx bounds the start
// only; the browser lives until Close.
func (l *Launcher) Launch(ctx context.Context) (admission.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	return &Browser{
		cfg:         l.cfg,
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

// Browser is one running Chrome process. Every operation runs in its own tab.
type Browser struct {
	cfg         Config
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
	closeErr    error
}

// tab opens a tab that closes when the returned cancel runs or ctx ends.
func (b *Browser) tab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, closeTab := chromedp.NewContext(b.ctx)
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(b.cfg.NavigationTimeout)
	}
	tabCtx, cancelDeadline := context.WithDeadline(tabCtx, deadline)
	stop := context.AfterFunc(ctx, closeTab)
	return tabCtx, func() {
		stop()
		cancelDeadline()
		closeTab()
	}
}

// HealthCheck evaluates a trivial expression in a fresh tab.
func (b *Browser) HealthCheck(ctx context.Context) bool {
	if b.ctx.Err() != nil {
		return false
	}
	tabCtx, cancel := b.tab(ctx)
	defer cancel()
	var sum int
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(`1+1`, &sum)); err != nil {
		return false
	}
	return sum == 2
}

// MemoryMB reports the resident memory of the browser's process tree: the
// Chrome process and every renderer, GPU and utility process below it.
func (b *Browser) MemoryMB(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("sample browser memory: %w", err)
	}
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil || c.Browser.Process() == nil {
		return 0, errors.New("sample browser memory: browser process unknown")
	}
	rss, err := processTreeRSS(c.Browser.Process().Pid)
	if err != nil {
		return 0, fmt.Errorf("sample browser memory: %w", err)
	}
	return float64(rss) / (1024 * 1024), nil
}

type procSample struct {
	pid  int
	ppid int
	rss  uint64
}

func processTreeRSS(root int) (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	samples := make([]procSample, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		samples = append(samples, procSample{pid: stat.PID, ppid: stat.PPID, rss: uint64(stat.ResidentMemory())})
	}
	return treeRSS(samples, root), nil
}

// treeRSS sums the resident bytes of root and all of its descendants.
func treeRSS(samples []procSample, root int) uint64 {
	rss := make(map[int]uint64, len(samples))
	children := make(map[int][]int)
	for _, s := range samples {
		rss[s.pid] = s.rss
		if s.pid != s.ppid {
			children[s.ppid] = append(children[s.ppid], s.pid)
		}
	}
	var total uint64
	seen := make(map[int]bool)
	stack := []int{root}
	for len(stack) > 0 {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		total += rss[pid]
		stack = append(stack, children[pid]...)
	}
	return total
}

// RenderHTML navigates to url and returns the rendered document.
func (b *Browser) RenderHTML(ctx context.Context, url string) (string, error) {
	tabCtx, cancel := b.tab(ctx)
	defer cancel()
	var html string
	actions := append(b.navigate(url), chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}

// PrintPDF navigates to url and prints the page with backgrounds.
func (b *Browser) PrintPDF(ctx context.Context, url string) ([]byte, error) {
	tabCtx, cancel := b.tab(ctx)
	defer cancel()
	var pdf []byte
	actions := append(b.navigate(url), chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		pdf = data
		return nil
	}))
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, fmt.Errorf("pdf %s: %w", url, err)
	}
	return pdf, nil
}

func (b *Browser) navigate(url string) []chromedp.Action {
	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.SettleDelay))
	}
	return actions
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(b.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(b.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// Close shuts Chrome down. It is safe to call more than once.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil && b.ctx.Err() == nil {
			b.closeErr = fmt.Errorf("close browser: %w", err)
		}
		b.cancel()
		b.allocCancel()
	})
	return b.closeErr
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := make(network.Headers, len(h))
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
