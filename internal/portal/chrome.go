package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"calsync/internal/log"
)

// Selectors for the portal's markup. The portal ships no API; these mirror
// its rendered pages and are the first thing to check when a step starts
// failing after a portal redesign.
const (
	selLoginUsername = `#user_username`
	selLoginPassword = `#user_password`
	selLoginSubmit   = `button[type="submit"]`

	selDatepickerHeading = `th.datepicker-switch`
	selDatepickerNext    = `th.next`
	selDatepickerPrev    = `th.prev`

	selEventDate  = `#event_date`
	selStartTime  = `#event_starttime`
	selEndTime    = `#event_endtime`
	selEventTitle = `#calendar_event_name`
	selSaveButton = `button[type="submit"].btn-action`

	schedulePath = "/n/schedule"
)

// datepickerMonthCap bounds how far the datepicker will be paged before
// giving up, so a broken heading cannot loop forever.
const datepickerMonthCap = 24

// ChromeOptions configures the headless browser session.
type ChromeOptions struct {
	// BaseURL is the portal root; the login form lives at BaseURL + "/login".
	BaseURL  string
	Username string
	Password string
	Headless bool
}

// ChromeBrowser drives the portal through a headless Chromium instance.
// It implements Browser. One instance owns one browser session; it must
// not be shared across concurrent runs.
type ChromeBrowser struct {
	opts ChromeOptions

	ctx     context.Context
	cancels []context.CancelFunc

	authed bool
}

// NewChromeBrowser launches a Chromium instance ready to drive the portal.
// Close releases it.
func NewChromeBrowser(parent context.Context, opts ChromeOptions) (*ChromeBrowser, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("portal: BaseURL is required")
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("portal: credentials are required")
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	return &ChromeBrowser{
		opts:    opts,
		ctx:     browserCtx,
		cancels: []context.CancelFunc{cancelBrowser, cancelAlloc},
	}, nil
}

// Close tears the browser session down.
func (c *ChromeBrowser) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
}

func (c *ChromeBrowser) IsAuthenticated() bool { return c.authed }

// Authenticate fills the portal login form and waits for the schedule
// navigation to appear.
func (c *ChromeBrowser) Authenticate(ctx context.Context) error {
	log.Info("portal login", "url", log.RedactURL(c.opts.BaseURL))

	err := c.run(ctx,
		chromedp.Navigate(c.opts.BaseURL+"/login"),
		chromedp.WaitVisible(selLoginUsername, chromedp.ByQuery),
		chromedp.SendKeys(selLoginUsername, c.opts.Username, chromedp.ByQuery),
		chromedp.SendKeys(selLoginPassword, c.opts.Password, chromedp.ByQuery),
		chromedp.Click(selLoginSubmit, chromedp.ByQuery),
		chromedp.WaitVisible(`a[href*="schedule"]`, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	c.authed = true
	return nil
}

// blockedEntry is the shape the schedule page scrape evaluates to.
type blockedEntry struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BlockedIntervals scrapes the rendered schedule for the day containing t.
// The portal offers no query API, so the rendered event elements are the
// only visibility into what is already blocked.
func (c *ChromeBrowser) BlockedIntervals(ctx context.Context, day time.Time) ([]Interval, error) {
	url := fmt.Sprintf("%s%s?date=%s", c.opts.BaseURL, schedulePath, day.Format("2006-01-02"))

	const scrape = `Array.from(document.querySelectorAll('[data-event-start]')).map(el => ({
		start: el.getAttribute('data-event-start'),
		end: el.getAttribute('data-event-end'),
	}))`

	var entries []blockedEntry
	err := c.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Evaluate(scrape, &entries),
	)
	if err != nil {
		return nil, err
	}

	intervals := make([]Interval, 0, len(entries))
	for _, e := range entries {
		start, err1 := time.Parse(time.RFC3339, e.Start)
		end, err2 := time.Parse(time.RFC3339, e.End)
		if err1 != nil || err2 != nil {
			// Entries the page renders without machine-readable times are
			// invisible to the presence check; log so a markup change is
			// noticed rather than silently re-writing blocks.
			log.Warn("unparseable schedule entry", "start", e.Start, "end", e.End)
			continue
		}
		intervals = append(intervals, Interval{Start: start, End: end})
	}
	return intervals, nil
}

// CreateBlock walks the portal's out-of-office dialog: open the editor,
// pick the date through the datepicker, fill the times and label, save.
func (c *ChromeBrowser) CreateBlock(ctx context.Context, start, end time.Time, label string) error {
	if err := c.run(ctx,
		chromedp.Navigate(c.opts.BaseURL+schedulePath),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Click(`//button[contains(., "Edit Availability")]`, chromedp.BySearch),
		chromedp.Click(`button[aria-label="Close dialog"]`, chromedp.ByQuery),
		chromedp.Click(`//button[contains(., "Out Of Office")]`, chromedp.BySearch),
		chromedp.Click(`//button[contains(., "Let's do that")]`, chromedp.BySearch),
		chromedp.Click(selEventDate, chromedp.ByQuery),
		chromedp.WaitVisible(selDatepickerHeading, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("open out-of-office dialog: %w", err)
	}

	if err := c.pickDate(ctx, start); err != nil {
		return fmt.Errorf("pick date: %w", err)
	}

	if err := c.run(ctx,
		chromedp.SetValue(selStartTime, start.Format("15:04"), chromedp.ByQuery),
		chromedp.SetValue(selEndTime, end.Format("15:04"), chromedp.ByQuery),
		chromedp.SetValue(selEventTitle, label, chromedp.ByQuery),
		chromedp.Click(selSaveButton, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
	); err != nil {
		return fmt.Errorf("fill and save block: %w", err)
	}
	return nil
}

// pickDate pages the datepicker to the target month, then clicks the day
// cell. The heading reads like "March 2025".
func (c *ChromeBrowser) pickDate(ctx context.Context, target time.Time) error {
	for i := 0; i < datepickerMonthCap; i++ {
		var heading string
		if err := c.run(ctx, chromedp.Text(selDatepickerHeading, &heading, chromedp.ByQuery)); err != nil {
			return err
		}

		shown, err := time.Parse("January 2006", strings.TrimSpace(heading))
		if err != nil {
			return fmt.Errorf("unexpected datepicker heading %q: %v", heading, err)
		}

		switch {
		case shown.Year() == target.Year() && shown.Month() == target.Month():
			daySel := fmt.Sprintf(
				`//td[contains(@class,"day") and not(contains(@class,"old")) and not(contains(@class,"new")) and text()="%d"]`,
				target.Day())
			return c.run(ctx, chromedp.Click(daySel, chromedp.BySearch))
		case shown.Before(time.Date(target.Year(), target.Month(), 1, 0, 0, 0, 0, time.UTC)):
			if err := c.run(ctx, chromedp.Click(selDatepickerNext, chromedp.ByQuery)); err != nil {
				return err
			}
		default:
			if err := c.run(ctx, chromedp.Click(selDatepickerPrev, chromedp.ByQuery)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("datepicker never reached %s", target.Format("2006-01"))
}

// run executes chromedp actions on the browser session while honoring the
// caller's deadline. chromedp tasks must run on the session context, so
// the step deadline is grafted onto it.
func (c *ChromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := c.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}
