package browser

import "context"

// RawComment is one comment as extracted from the page, before
// normalization and dedup.
type RawComment struct {
	UserID    string
	Content   string
	ReplyTime string
	Likes     int
	Pinned    bool
	ParentID  string
}

// Identity is the logged-in scraping identity a session operates as.
type Identity struct {
	Username string
	Platform string
}

// Page is a capability over one open post page. Absence of an optional
// element is an expected condition, so lookups return a presence flag
// instead of raising.
type Page interface {
	// VisibleComments extracts the comments currently rendered on the
	// page. Repeated calls after scrolling return overlapping sets.
	VisibleComments(ctx context.Context) ([]RawComment, error)

	// ScrollBy scrolls the page down by the given pixel distance.
	ScrollBy(ctx context.Context, px int) error

	// JumpToBottom and JumpToTop perform the full-page recovery gestures
	// that force lazy loaders to fetch more content.
	JumpToBottom(ctx context.Context) error
	JumpToTop(ctx context.Context) error

	// ScrollHeight returns the page's total scrollable height, used for
	// end-of-content convergence detection.
	ScrollHeight(ctx context.Context) (int, error)

	// CaptchaPresent reports whether a captcha overlay is blocking the
	// page.
	CaptchaPresent(ctx context.Context) bool

	// FindText returns the text of an optional element and whether it
	// was present.
	FindText(ctx context.Context, selector string) (string, bool)

	// Close releases the page.
	Close() error
}

// Session is a controlled browser session against one platform. The
// implementation owns cookies, selectors and anti-bot details; callers
// see only these operations.
type Session interface {
	// ID identifies this session for comment attribution (collected_by).
	ID() string

	// Login authenticates with the session's stored credentials.
	Login(ctx context.Context) (Identity, error)

	// Search runs a keyword search and returns discovered post URLs.
	Search(ctx context.Context, keyword string) ([]string, error)

	// OpenPage navigates to a post URL and returns a Page capability.
	OpenPage(ctx context.Context, url string) (Page, error)

	// Close terminates the underlying browser process.
	Close() error
}

// SessionFactory creates a new session; the pool calls it under its
// capacity cap.
type SessionFactory func(ctx context.Context) (Session, error)
